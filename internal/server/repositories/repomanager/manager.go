package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/grants"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/mailboxes"
)

// RepositoryManager builds repositories bound to a DBTX, so services can
// use them inside or outside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Grants(db dbx.DBTX) grants.Repository
	Mailboxes(db dbx.DBTX) mailboxes.Repository
}
