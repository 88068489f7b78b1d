package fake

import (
	"github.com/imagegate/webhook/store"
)

type fakeStore struct {
	admissions *admissionStore
}

func (fs *fakeStore) Admissions() store.AdmissionStore {
	return fs.admissions
}

func (fs *fakeStore) Close() error {
	return nil
}

func NewStore() store.Store {
	return &fakeStore{admissions: &admissionStore{}}
}

type admissionStore struct {
	admissions []*store.Admission
}

func (as *admissionStore) Create(a *store.Admission) error {
	a.ID = len(as.admissions) + 1
	as.admissions = append(as.admissions, a)
	return nil
}

func (as *admissionStore) List(o store.AdmissionListOptions) ([]*store.Admission, error) {
	result := as.admissions
	if o.UID != "" {
		tmp := []*store.Admission{}
		for _, a := range result {
			if a.UID == o.UID {
				tmp = append(tmp, a)
			}
		}

		result = tmp
	}

	if o.Namespace != "" {
		tmp := []*store.Admission{}
		for _, a := range result {
			if a.Namespace == o.Namespace {
				tmp = append(tmp, a)
			}
		}

		result = tmp
	}

	if o.Allowed != nil {
		tmp := []*store.Admission{}
		for _, a := range result {
			if a.Allowed == *o.Allowed {
				tmp = append(tmp, a)
			}
		}

		result = tmp
	}

	return result, nil
}
