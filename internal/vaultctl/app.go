// Package vaultctl implements the operator command line for the credential
// vault: one-off encryption and decryption, format checks, and the data
// migrations that bring legacy rows under the vault.
package vaultctl

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/otpkeeper/internal/common"
	"github.com/dmitrijs2005/otpkeeper/internal/cryptox"
	"github.com/dmitrijs2005/otpkeeper/internal/dbx"
	"github.com/dmitrijs2005/otpkeeper/internal/server/models"
	"github.com/dmitrijs2005/otpkeeper/internal/server/repositories/repomanager"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	envSecret = "OTPKEEPER_ENCRYPTION_SECRET"
	envDSN    = "OTPKEEPER_DATABASE_DSN"
)

const usage = `usage: vaultctl <command> [flags] [args]

commands:
  encrypt <value>      print the vault ciphertext of value
  decrypt <value>      print the plaintext of a vault value
  check <value>        report whether value is in vault format
  migrate-tags         encrypt account tags still stored as plaintext
  mark-legacy          flag account passwords the vault cannot decrypt

the secret is read from ` + envSecret + ` or prompted for;
database commands take -d <dsn> or ` + envDSN + `; -n only reports.
`

var errUsage = errors.New("invalid usage")

// App runs vaultctl commands, writing results to out.
type App struct {
	out         io.Writer
	getenv      func(string) string
	openDB      func(dsn string) (*sql.DB, error)
	repomanager repomanager.RepositoryManager
}

// NewApp reads the environment and opens databases through pgx.
func NewApp(out io.Writer) *App {
	return &App{
		out:         out,
		getenv:      os.Getenv,
		openDB:      func(dsn string) (*sql.DB, error) { return sql.Open("pgx", dsn) },
		repomanager: repomanager.NewPostgresRepositoryManager(),
	}
}

// Run executes one command. args excludes the program name.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "encrypt", "decrypt", "check":
		if len(rest) != 1 {
			fmt.Fprint(a.out, usage)
			return errUsage
		}
		return a.value(cmd, rest[0])
	case "migrate-tags", "mark-legacy":
		return a.migrate(ctx, cmd, rest)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *App) vault() (*cryptox.Vault, error) {
	if s := a.getenv(envSecret); s != "" {
		return cryptox.NewVault(s)
	}
	secret, err := getSecret(a.out, "Encryption secret: ")
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(secret)
	return cryptox.NewVault(string(secret))
}

func (a *App) value(cmd, v string) error {
	if cmd == "check" {
		if cryptox.LooksEncrypted(v) {
			fmt.Fprintln(a.out, "vault")
		} else {
			fmt.Fprintln(a.out, "plaintext")
		}
		return nil
	}

	vault, err := a.vault()
	if err != nil {
		return err
	}

	var out string
	if cmd == "encrypt" {
		out, err = vault.Encrypt(v)
	} else {
		out, err = vault.Decrypt(v)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, out)
	return nil
}

func (a *App) migrate(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(a.out)
	dsn := fs.String("d", a.getenv(envDSN), "database DSN")
	dryRun := fs.Bool("n", false, "dry run: report without writing")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *dsn == "" {
		return fmt.Errorf("%w: database DSN required (-d or %s)", errUsage, envDSN)
	}

	vault, err := a.vault()
	if err != nil {
		return err
	}

	db, err := a.openDB(*dsn)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	var changed, total int
	err = dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := a.repomanager.Accounts(tx)
		list, err := repo.ListAll(ctx)
		if err != nil {
			return err
		}
		total = len(list)

		for _, acc := range list {
			var fix func() error
			switch cmd {
			case "migrate-tags":
				fix = tagFix(ctx, repo, vault, acc)
			case "mark-legacy":
				fix = passwordFix(ctx, repo, vault, acc)
			}
			if fix == nil {
				continue
			}
			changed++
			fmt.Fprintf(a.out, "%s %s\n", verb(cmd, *dryRun), acc.ID)
			if *dryRun {
				continue
			}
			if err := fix(); err != nil {
				return fmt.Errorf("account %s: %w", acc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s: %d of %d accounts %s\n", cmd, changed, total, summary(*dryRun))
	return nil
}

type accountWriter interface {
	UpdateTag(ctx context.Context, id string, tag string) error
	MarkPasswordLegacy(ctx context.Context, id string) error
}

// tagFix returns nil when the tag is already a vault value.
func tagFix(ctx context.Context, repo accountWriter, v *cryptox.Vault, acc *models.Account) func() error {
	if acc.Tag == "" || cryptox.LooksEncrypted(acc.Tag) {
		return nil
	}
	return func() error {
		enc, err := v.Encrypt(acc.Tag)
		if err != nil {
			return err
		}
		return repo.UpdateTag(ctx, acc.ID, enc)
	}
}

// passwordFix returns nil when the password is legacy already or decrypts.
func passwordFix(ctx context.Context, repo accountWriter, v *cryptox.Vault, acc *models.Account) func() error {
	if acc.LoginPassword.Scheme == models.PasswordSchemeLegacy {
		return nil
	}
	if _, err := v.Decrypt(acc.LoginPassword.Ciphertext); err == nil {
		return nil
	}
	return func() error {
		return repo.MarkPasswordLegacy(ctx, acc.ID)
	}
}

func verb(cmd string, dryRun bool) string {
	w := map[string]string{"migrate-tags": "encrypt-tag", "mark-legacy": "mark-legacy"}[cmd]
	if dryRun {
		return "would " + w
	}
	return w
}

func summary(dryRun bool) string {
	if dryRun {
		return "need changes (dry run)"
	}
	return "updated"
}

// IsUsage reports whether err came from bad arguments.
func IsUsage(err error) bool {
	return errors.Is(err, errUsage)
}
