package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/dmitrijs2005/otpkeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-g string   gRPC bind address (health only)
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-k string   credential encryption secret
//	-m string   mail provider (gmail or imap)
//	-i duration poll interval
//	-n int      poll concurrency
//	-l string   log level
//	-f string   log format (json, text, zap)
//
// os.Args is first filtered with flagx.FilterArgs so that -c/-config and
// flags owned by other parsers do not trip this flag set.
func parseFlags(config *Config) error {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-s", "-k", "-m", "-i", "-n", "-l", "-f"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run http server")
	fs.StringVar(&config.GRPCAddr, "g", config.GRPCAddr, "address and port to run grpc health server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.JWTSecret, "s", config.JWTSecret, "jwt secret key")
	fs.StringVar(&config.EncryptionSecret, "k", config.EncryptionSecret, "credential encryption secret")
	fs.StringVar(&config.MailProvider, "m", config.MailProvider, "mail provider: gmail or imap")
	fs.DurationVar(&config.PollInterval, "i", config.PollInterval, "inbox poll interval")
	fs.IntVar(&config.PollConcurrency, "n", config.PollConcurrency, "inbox poll concurrency")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.LogFormat, "f", config.LogFormat, "log format: json, text or zap")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
