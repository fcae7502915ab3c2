package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wangshunnn/mind-flayer/internal/config"
	"github.com/wangshunnn/mind-flayer/internal/credential"
	"github.com/wangshunnn/mind-flayer/internal/log"
	"github.com/wangshunnn/mind-flayer/internal/ui"
)

var (
	providerAPIKey  string
	providerBaseURL string
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage provider credentials",
	Long: `Manage the API keys the sidecar uses to reach model providers.

Credentials are stored in an encrypted file under ~/.mind-flayer by default,
or in the OS keychain when credentials.backend is "keychain".`,
}

var providersSetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Save or replace a provider credential",
	Long: `Save or replace the credential for a provider.

If --api-key is omitted the key is read from stdin (without echo on a terminal).

Examples:
  mind-flayer providers set minimax --api-key sk-...
  mind-flayer providers set openai-compatible --base-url https://llm.local/v1
  echo "$KEY" | mind-flayer providers set zhipu`,
	Args: cobra.ExactArgs(1),
	RunE: runProvidersSet,
}

var providersGetCmd = &cobra.Command{
	Use:   "get <provider>",
	Short: "Show a provider credential (key masked)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersGet,
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers",
	Args:  cobra.NoArgs,
	RunE:  runProvidersList,
}

var providersDeleteCmd = &cobra.Command{
	Use:     "delete <provider>",
	Aliases: []string{"rm"},
	Short:   "Delete a provider credential",
	Args:    cobra.ExactArgs(1),
	RunE:    runProvidersDelete,
}

func init() {
	providersSetCmd.Flags().StringVar(&providerAPIKey, "api-key", "", "provider API key")
	providersSetCmd.Flags().StringVar(&providerBaseURL, "base-url", "", "custom API base URL")

	providersCmd.AddCommand(providersSetCmd, providersGetCmd, providersListCmd, providersDeleteCmd)
	rootCmd.AddCommand(providersCmd)
}

func openStore() (credential.Store, error) {
	cfg, err := config.LoadGlobal()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := credential.NewStore(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return store, nil
}

func runProvidersSet(cmd *cobra.Command, args []string) error {
	provider := args[0]

	apiKey := strings.TrimSpace(providerAPIKey)
	if providerAPIKey == "" {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "API key for %s: ", provider)
		}
		key, err := readPassword()
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return fmt.Errorf("reading API key: %w", err)
		}
		apiKey = strings.TrimSpace(string(key))
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	cred := credential.ProviderCredential{APIKey: apiKey, BaseURL: strings.TrimSpace(providerBaseURL)}
	if err := store.Save(provider, cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}

	log.Info("credential saved", "provider", provider)
	fmt.Printf("%s %s credential saved\n", ui.OKTag(), provider)
	if _, ok := store.(*credential.KeychainStore); ok {
		ui.Infof("A running sidecar picks up keychain changes on its next start.")
	}
	return nil
}

// readPassword reads a secret from stdin without echoing on a terminal.
func readPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		return term.ReadPassword(fd)
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimSuffix(line, "\n")), nil
}

type providerView struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

func runProvidersGet(cmd *cobra.Command, args []string) error {
	provider := args[0]
	store, err := openStore()
	if err != nil {
		return err
	}

	cred, err := store.Get(provider)
	if errors.Is(err, credential.ErrNotFound) {
		return fmt.Errorf("no credential found for %s", provider)
	}
	if err != nil {
		return err
	}

	view := providerView{Provider: provider, APIKey: ui.MaskSecret(cred.APIKey), BaseURL: cred.BaseURL}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(view)
	}
	fmt.Printf("Provider: %s\n", ui.Bold(view.Provider))
	fmt.Printf("API key:  %s\n", view.APIKey)
	if view.BaseURL != "" {
		fmt.Printf("Base URL: %s\n", view.BaseURL)
	}
	return nil
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	all, err := store.GetAll()
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	names, err := store.List()
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	if jsonOut {
		out := make([]providerView, 0, len(names))
		for _, name := range names {
			cred, ok := all[name]
			if !ok {
				continue
			}
			out = append(out, providerView{Provider: name, APIKey: ui.MaskSecret(cred.APIKey), BaseURL: cred.BaseURL})
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	if len(names) == 0 {
		fmt.Println("No providers configured.")
		fmt.Println("\nAdd one with: mind-flayer providers set <provider> --api-key <key>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tAPI KEY\tBASE URL")
	for _, name := range names {
		cred, ok := all[name]
		if !ok {
			fmt.Fprintf(w, "%s\t%s\t\n", name, ui.Dim("(unreadable)"))
			continue
		}
		baseURL := cred.BaseURL
		if baseURL == "" {
			baseURL = ui.Dim("default")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, ui.MaskSecret(cred.APIKey), baseURL)
	}
	return w.Flush()
}

func runProvidersDelete(cmd *cobra.Command, args []string) error {
	provider := args[0]
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Delete(provider); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	log.Info("credential deleted", "provider", provider)
	fmt.Printf("%s %s credential deleted\n", ui.OKTag(), provider)
	return nil
}
