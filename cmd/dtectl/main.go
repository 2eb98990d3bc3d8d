package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/LdDl/dte-potato/caf"
	"github.com/LdDl/dte-potato/config"
	"github.com/LdDl/dte-potato/dte"
	"github.com/LdDl/dte-potato/issuer"
	"github.com/LdDl/dte-potato/ledger"
	"github.com/LdDl/dte-potato/logger"
	"github.com/LdDl/dte-potato/signer"
	"github.com/LdDl/dte-potato/storage"
	"github.com/LdDl/dte-potato/vault"
	"go.uber.org/zap"
	"golang.org/x/term"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-config file] <command> [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  register-cert  Register a PKCS#12 signing identity\n")
	fmt.Fprintf(os.Stderr, "  import-caf     Import an authorization file\n")
	fmt.Fprintf(os.Stderr, "  ranges         List folio ranges\n")
	fmt.Fprintf(os.Stderr, "  issue          Issue a document from a JSON request\n")
	fmt.Fprintf(os.Stderr, "  verify         Verify a signed document\n")
	fmt.Fprintf(os.Stderr, "\nExample:\n")
	fmt.Fprintf(os.Stderr, "  %s register-cert -issuer 76192083-9 ./potato.p12\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s issue -o factura.xml ./request.json\n", os.Args[0])
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to JSON configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logging.Environment, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "verify" {
		err = runVerify(args)
	} else {
		err = withServices(cfg, log, func(s *services) error {
			switch cmd {
			case "register-cert":
				return runRegisterCert(s, args)
			case "import-caf":
				return runImportCAF(s, args)
			case "ranges":
				return runRanges(s, args)
			case "issue":
				return runIssue(s, args)
			default:
				usage()
				return fmt.Errorf("unknown command %q", cmd)
			}
		})
	}
	if err != nil {
		log.Error("command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

type services struct {
	ledger *ledger.Ledger
	vault  *vault.Vault
	issuer *issuer.Service
}

func withServices(cfg *config.Configuration, log *zap.Logger, fn func(*services) error) error {
	db, err := storage.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if err := storage.Migrate(db, ledger.Migrate, vault.Migrate); err != nil {
		return err
	}

	v, err := vault.New(db, []byte(cfg.Vault.MasterKey), log)
	if err != nil {
		return err
	}
	l := ledger.New(db, log, ledger.WithReservationTTL(cfg.Ledger.ReservationTTL.Duration))
	authorityKeys, err := caf.ParseAuthorityKeys(cfg.Issuer.AuthorityKeys)
	if err != nil {
		return err
	}
	svc := issuer.New(l, v, log,
		issuer.WithAssembler(dte.NewAssembler(
			dte.WithVATRate(cfg.Tax.VATRate),
			dte.WithHonorariaWithholding(cfg.Tax.HonorariaWithholding),
		)),
		issuer.WithMaxClaimAttempts(cfg.Ledger.MaxClaimAttempts),
		issuer.WithAuthorityKeys(authorityKeys),
	)
	return fn(&services{ledger: l, vault: v, issuer: svc})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassphrase prompts on the terminal unless the flag was given
func readPassphrase(fs *flag.FlagSet, passphrase string) (string, error) {
	provided := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "passphrase" || f.Name == "p" {
			provided = true
		}
	})
	if provided || !term.IsTerminal(int(syscall.Stdin)) {
		return passphrase, nil
	}
	fmt.Print("Enter passphrase: ")
	pwBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(pwBytes), nil
}

func runRegisterCert(s *services, args []string) error {
	fs := flag.NewFlagSet("register-cert", flag.ExitOnError)
	var issuerID, passphrase string
	fs.StringVar(&issuerID, "issuer", "", "Issuer RUT")
	fs.StringVar(&passphrase, "passphrase", "", "PKCS#12 passphrase")
	fs.StringVar(&passphrase, "p", "", "PKCS#12 passphrase (shorthand)")
	fs.Parse(args)
	if fs.NArg() < 1 || issuerID == "" {
		return fmt.Errorf("usage: register-cert -issuer <rut> [-p passphrase] <file.p12>")
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	passphrase, err = readPassphrase(fs, passphrase)
	if err != nil {
		return err
	}
	identity, err := s.vault.Register(context.Background(), issuerID, blob, passphrase)
	if err != nil {
		return err
	}
	return printJSON(identity)
}

func runImportCAF(s *services, args []string) error {
	fs := flag.NewFlagSet("import-caf", flag.ExitOnError)
	var expires string
	fs.StringVar(&expires, "expires", "", "Expiry override (YYYY-MM-DD)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: import-caf [-expires YYYY-MM-DD] <caf.xml>...")
	}

	var opts issuer.ImportOptions
	if expires != "" {
		t, err := time.Parse("2006-01-02", expires)
		if err != nil {
			return fmt.Errorf("invalid -expires: %w", err)
		}
		opts.ExpiresAt = &t
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		r, err := s.issuer.ImportAuthorizedRange(context.Background(), data, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := printJSON(r); err != nil {
			return err
		}
	}
	return nil
}

func runRanges(s *services, args []string) error {
	fs := flag.NewFlagSet("ranges", flag.ExitOnError)
	var issuerID string
	var code int
	fs.StringVar(&issuerID, "issuer", "", "Issuer RUT")
	fs.IntVar(&code, "type", 0, "Document type code")
	fs.Parse(args)

	var docType dte.DocumentType
	if code != 0 {
		var err error
		if docType, err = dte.ParseDocumentType(code); err != nil {
			return err
		}
	}
	ranges, err := s.ledger.Ranges(context.Background(), docType, issuerID)
	if err != nil {
		return err
	}
	return printJSON(ranges)
}

func runIssue(s *services, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	var output string
	fs.StringVar(&output, "output", "", "Write the signed XML to this file")
	fs.StringVar(&output, "o", "", "Write the signed XML to this file (shorthand)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: issue [-o out.xml] <request.json>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	var req issuer.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	res, err := s.issuer.IssueDocument(context.Background(), req)
	if err != nil {
		return err
	}
	if output != "" {
		if err := os.WriteFile(output, res.Signed, 0644); err != nil {
			return err
		}
	}
	return printJSON(res)
}

func runVerify(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: verify <signed.xml>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	v, err := signer.Verify(data)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"valid":         true,
		"document_id":   v.DocumentID,
		"document_type": v.Stamp.Fields.Type.Code(),
		"folio":         v.Stamp.Fields.Folio,
		"issuer_id":     v.Stamp.Fields.IssuerRUT,
		"total":         v.Stamp.Fields.Total,
		"subject":       v.Certificate.Subject.CommonName,
	})
}
