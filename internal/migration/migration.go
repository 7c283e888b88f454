// Package migration creates the core tables on startup so local and
// self-hosted environments work out of the box.
package migration

import (
	"errors"

	jobdomain "github.com/unmarklabs/unmark/internal/job/domain"
	ledgerdomain "github.com/unmarklabs/unmark/internal/ledger/domain"
	"gorm.io/gorm"
)

func Run(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	return conn.AutoMigrate(
		&ledgerdomain.CreditBalance{},
		&ledgerdomain.CreditEntry{},
		&jobdomain.Job{},
	)
}
