package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "piiguard",
	Short: "piiguard CLI",
	Long:  "A CLI for the local piiguard vault and detection daemon.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")

	rootCmd.AddCommand(initCmd(), unlockCmd(), lockCmd(), forgetCmd(), statusCmd())
	rootCmd.AddCommand(entryCmd(), profileCmd(), indexCmd(), logsCmd())
	rootCmd.AddCommand(tokenCmd(), checkCmd(), watchCmd())
}

// readPassword prompts without echo when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var s string
		_, err := fmt.Fscanln(os.Stdin, &s)
		return s, err
	}
	b, err := term.ReadPassword(fd)
	return string(b), err
}

// withSpinner runs fn while a spinner is shown, as the key derivation is slow.
func withSpinner(msg string, fn func() (map[string]any, error)) (map[string]any, error) {
	s := spinner.New(spinner.CharSets[14], 100)
	s.Suffix = " " + msg
	s.Writer = os.Stderr
	s.Start()
	defer s.Stop()
	return fn()
}

// storeSessionToken keeps the token returned by init or unlock.
func storeSessionToken(result map[string]any) error {
	authData, _ := result["auth"].(map[string]any)
	tok, _ := authData["client_token"].(string)
	if tok == "" {
		return fmt.Errorf("response carried no token")
	}
	cfg.Token = tok
	return saveConfig()
}

// --- vault lifecycle ---

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault with a master password",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Master password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			client := newClient(false)
			result, err := withSpinner("Deriving key...", func() (map[string]any, error) {
				return client.post("/v1/sys/init", map[string]any{"password": password, "confirm": confirm})
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if err := storeSessionToken(result); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Vault created and unlocked")
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Master password: ")
			if err != nil {
				return err
			}
			client := newClient(false)
			result, err := withSpinner("Unlocking...", func() (map[string]any, error) {
				return client.post("/v1/sys/unlock", map[string]any{"password": password})
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if err := storeSessionToken(result); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Vault unlocked")
			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the vault and drop the session key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(false)
			if _, err := client.put("/v1/sys/lock", nil); err != nil {
				printError(err.Error())
				return nil
			}
			cfg.Token = ""
			saveConfig() //nolint:errcheck
			printSuccess("Vault locked")
			return nil
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Drop the preserved session so a restart starts locked",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).delete("/v1/sys/session")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if forgotten, _ := result["forgotten"].(bool); !forgotten {
				printInfo("Session preservation is off, nothing to forget")
				return nil
			}
			printSuccess("Preserved session forgotten")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault state",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).get("/v1/sys/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- entries ---

func entryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "entry", Short: "Manage encrypted vault entries"}

	var site string
	saveCmd := &cobra.Command{
		Use:   "save <type> <value>",
		Short: "Encrypt and store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).post("/v1/entries", map[string]any{
				"type": args[0], "value": args[1], "site": site,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			data, _ := result["data"].(map[string]any)
			printSuccess(fmt.Sprintf("Saved %s %s", data["type"], color.YellowString("%v", data["shortDisplay"])))
			return nil
		},
	}
	saveCmd.Flags().StringVar(&site, "site", "", "Site the value was used on")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Decrypt and list entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).get("/v1/entries")
			if err != nil {
				printError(err.Error())
				return nil
			}
			data, _ := result["data"].(map[string]any)
			entries, _ := data["entries"].([]any)
			printRows(entries, "payload.type", "payload.originalValue", "payload.site")
			if skipped, _ := data["skipped"].(float64); skipped > 0 {
				fmt.Fprintln(os.Stderr, color.YellowString("%.0f unreadable entries skipped", skipped))
			}
			return nil
		},
	}

	var limit int
	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent entry metadata (works while locked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(true).get("/v1/entries/recent?limit=" + strconv.Itoa(limit))
			if err != nil {
				printError(err.Error())
				return nil
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "type", "shortDisplay", "site")
			return nil
		},
	}
	recentCmd.Flags().IntVar(&limit, "limit", 10, "Number of entries to show")

	rmCmd := &cobra.Command{
		Use:   "rm <index>",
		Short: "Remove an entry by position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(false).delete("/v1/entries/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Entry removed")
			return nil
		},
	}

	cmd.AddCommand(saveCmd, listCmd, recentCmd, rmCmd)
	return cmd
}

// --- profile and index ---

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage registered values"}

	addCmd := &cobra.Command{
		Use:   "add <type> <value>",
		Short: "Register a value for detection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).post("/v1/profile", map[string]any{"type": args[0], "value": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			data, _ := result["data"].(map[string]any)
			printSuccess(fmt.Sprintf("Registered %s %s", data["type"], color.YellowString("%v", data["shortDisplay"])))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered values",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).get("/v1/profile")
			if err != nil {
				printError(err.Error())
				return nil
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "type", "shortDisplay")
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <index>",
		Short: "Remove a registered value by position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(false).delete("/v1/profile/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Value removed")
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, rmCmd)
	return cmd
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Inspect the detection index"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(true).get("/v1/index")
			if err != nil {
				printError(err.Error())
				return nil
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "type", "shortDisplay", "hash")
			return nil
		},
	}

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop unreferenced hashes and restore missing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(false)
			result, err := withSpinner("Checking entries...", func() (map[string]any, error) {
				return client.post("/v1/index/compact", nil)
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess(fmt.Sprintf("Removed %v orphaned hashes, restored %v missing", cellString(result["removed"]), cellString(result["added"])))
			return nil
		},
	}

	cmd.AddCommand(listCmd, compactCmd)
	return cmd
}

func logsCmd() *cobra.Command {
	var typ, site string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show detection history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/logs?limit=%d", limit)
			if typ != "" {
				path += "&type=" + typ
			}
			if site != "" {
				path += "&site=" + site
			}
			result, err := newClient(false).get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			rows, _ := result["data"].([]any)
			printRows(rows, "type", "shortDisplay", "site", "fieldContext", "matchedBy")
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Filter by value type")
	cmd.Flags().StringVar(&site, "site", "", "Filter by site")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records")
	return cmd
}

// --- tokens ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage access tokens"}

	var ttl, name string
	restrictedCmd := &cobra.Command{
		Use:   "restricted",
		Short: "Mint a restricted token for detection contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(false).post("/v1/auth/restricted", map[string]any{"display_name": name, "ttl": ttl})
			if err != nil {
				printError(err.Error())
				return nil
			}
			authData, _ := result["auth"].(map[string]any)
			tok, _ := authData["client_token"].(string)
			cfg.RestrictedToken = tok
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Restricted token saved to " + color.CyanString(configPath()))
			return nil
		},
	}
	restrictedCmd.Flags().StringVar(&ttl, "ttl", "", "Token lifetime, e.g. 24h (default: no expiry)")
	restrictedCmd.Flags().StringVar(&name, "name", "cli", "Display name")

	var restricted bool
	var capPath string
	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Show the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/auth/lookup-self"
			if capPath != "" {
				path += "?path=" + url.QueryEscape(capPath)
			}
			result, err := newClient(restricted).get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	lookupCmd.Flags().BoolVar(&restricted, "restricted", false, "Look up the restricted token")
	lookupCmd.Flags().StringVar(&capPath, "path", "", "Also show the token's capabilities on this API path")

	revokeCmd := &cobra.Command{
		Use:   "revoke <accessor>",
		Short: "Revoke a token by accessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(false).post("/v1/auth/revoke", map[string]any{"accessor": args[0]}); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token revoked")
			return nil
		},
	}

	cmd.AddCommand(restrictedCmd, lookupCmd, revokeCmd)
	return cmd
}
