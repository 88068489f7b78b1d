package store

import (
	"errors"
	"time"
)

var (
	// ErrDoesNotExist is returned if the requested model could not be found in the store.
	ErrDoesNotExist = errors.New("Model does not exist")
)

// Store represents the high-level API to access recorded admission verdicts.
type Store interface {
	Admissions() AdmissionStore
	Close() error
}

// AdmissionStore allows creating and reading admission records.
type AdmissionStore interface {
	Create(a *Admission) error
	List(o AdmissionListOptions) ([]*Admission, error)
}

// AdmissionListOptions is used to query admission records with certain criterias.
type AdmissionListOptions struct {
	Allowed   *bool
	Namespace string
	UID       string
}

type Model struct {
	ID int
}

// Admission is one recorded admission verdict.
type Admission struct {
	Model
	Allowed   bool
	CreatedAt time.Time
	Images    string
	Kind      string
	Namespace string
	Operation string
	Reason    string
	UID       string
}

func (Admission) TableName() string {
	return "imagegate_admission"
}
