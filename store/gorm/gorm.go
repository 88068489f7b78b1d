package gorm

import (
	"fmt"

	"github.com/golang-migrate/migrate"
	_ "github.com/golang-migrate/migrate/database/mysql"
	_ "github.com/golang-migrate/migrate/source/file"
	"github.com/imagegate/webhook/store"
	gormlib "github.com/jinzhu/gorm"
)

type gorm struct {
	db *gormlib.DB
}

func (g *gorm) Admissions() store.AdmissionStore {
	return &gormAdmission{db: g.db}
}

func (g *gorm) Close() error {
	return g.db.Close()
}

func New(connection string) (store.Store, error) {
	db, err := gormlib.Open("mysql", connection)
	if err != nil {
		return nil, err
	}

	return &gorm{db: db}, nil
}

// Migrate executes the database migrations in path against the database
// behind connection.
func Migrate(connection string, path string) error {
	m, err := migrate.New(path, "mysql://"+connection)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

type gormAdmission struct {
	db *gormlib.DB
}

func (ga *gormAdmission) Create(a *store.Admission) error {
	if a.ID != 0 {
		return fmt.Errorf("Admission already created")
	}

	result := ga.db.Create(a)
	return result.Error
}

func (ga *gormAdmission) List(o store.AdmissionListOptions) ([]*store.Admission, error) {
	query := ga.db
	if o.UID != "" {
		query = query.Where("uid = ?", o.UID)
	}

	if o.Namespace != "" {
		query = query.Where("namespace = ?", o.Namespace)
	}

	if o.Allowed != nil {
		query = query.Where("allowed = ?", *o.Allowed)
	}

	admissions := []*store.Admission{}
	result := query.Order("created_at desc").Find(&admissions)
	if result.Error != nil {
		return nil, result.Error
	}

	return admissions, nil
}
