package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"autocoder/pkg/config"
	"autocoder/pkg/secrets"
)

// EnvSecretsPassword supplies the secrets file password non-interactively.
const EnvSecretsPassword = "AUTOCODER_SECRETS_PASSWORD"

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage stored credentials",
	Long: `Credentials required by generated plugins are read from the environment
or from an encrypted secrets file. Projects missing one wait in
awaiting_secrets until it is stored here.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set NAME",
	Short: "Store a credential in the encrypted secrets file",
	Long: `Reads the value from the terminal without echo, or from stdin when it is
piped, and stores it under NAME. A running autocoder picks it up on its
next credential check.`,
	Args: cobra.ExactArgs(1),
	RunE: runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential names and missing requirements",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(cfg.Secrets.File)
	creating := errors.Is(statErr, os.ErrNotExist)

	password, err := secretsPassword(creating)
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("a password is required: run in a terminal or set %s", EnvSecretsPassword)
	}
	m, err := secrets.NewManager(cfg.Secrets.Required, secrets.WithFile(secrets.NewEncryptedFile(cfg.Secrets.File, password)))
	if err != nil {
		return err
	}

	value, err := readSecretValue(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	if err := m.Set(args[0], value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", args[0], cfg.Secrets.File)
	return nil
}

func runSecretsList(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	m, err := openSecrets(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := m.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "No stored credentials")
	}
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	missing := m.MissingEnvVars()
	if len(missing) > 0 {
		fmt.Fprintln(out, "Missing:")
		for _, mv := range missing {
			fmt.Fprintf(out, "  %s (%s)\n", mv.VarName, mv.Plugin)
		}
	}
	return nil
}

// openSecrets opens the credential manager for a run. Without a password
// and without an existing file only the environment is consulted.
func openSecrets(cfg *config.Config) (*secrets.Manager, error) {
	_, statErr := os.Stat(cfg.Secrets.File)
	exists := statErr == nil

	password := os.Getenv(EnvSecretsPassword)
	if password == "" && exists {
		var err error
		if password, err = secretsPassword(false); err != nil {
			return nil, err
		}
		if password == "" {
			return nil, fmt.Errorf("secrets file %s exists but no password was given (set %s)", cfg.Secrets.File, EnvSecretsPassword)
		}
	}
	if password == "" {
		return secrets.NewManager(cfg.Secrets.Required)
	}
	return secrets.NewManager(cfg.Secrets.Required, secrets.WithFile(secrets.NewEncryptedFile(cfg.Secrets.File, password)))
}

// secretsPassword returns the file password from the environment or an
// interactive prompt. It returns "" when neither is available.
func secretsPassword(confirm bool) (string, error) {
	if pw := os.Getenv(EnvSecretsPassword); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", nil
	}

	password, err := promptHidden("Secrets password: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := promptHidden("Confirm password: ")
		if err != nil {
			return "", err
		}
		if again != password {
			return "", errors.New("passwords do not match")
		}
	}
	return password, nil
}

func promptHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	s := string(b)
	for i := range b {
		b[i] = 0
	}
	return s, nil
}

// readSecretValue prompts without echo on a terminal and otherwise reads
// the first line of in.
func readSecretValue(in io.Reader, name string) (string, error) {
	var value string
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		v, err := promptHidden(fmt.Sprintf("Value for %s: ", name))
		if err != nil {
			return "", err
		}
		value = v
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		value = strings.TrimRight(line, "\r\n")
	}
	if value == "" {
		return "", fmt.Errorf("empty value for %s", name)
	}
	return value, nil
}
