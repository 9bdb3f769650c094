package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nhle/mailagent/internal/credential"
	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/store"
	"github.com/nhle/mailagent/internal/sync"
)

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return enc.Close()
}

func newAuditCmd(load configLoader) *cobra.Command {
	var (
		messageID string
		sender    string
		runID     string
		kind      string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("opening audit store: %w", err)
			}
			defer st.Close()

			f := store.OutcomeFilter{Limit: limit}
			if messageID != "" {
				f.MessageID = &messageID
			}
			if sender != "" {
				f.Sender = &sender
			}
			if runID != "" {
				f.RunID = &runID
			}
			if kind != "" {
				k := model.OutcomeKind(kind)
				if !k.Valid() {
					return fmt.Errorf("unknown outcome kind %q", kind)
				}
				f.Kind = &k
			}
			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}

			outcomes, err := st.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), outcomes)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&messageID, "message", "", "Only outcomes for this message id")
	flags.StringVar(&sender, "sender", "", "Only outcomes for this sender")
	flags.StringVar(&runID, "run", "", "Only outcomes of this run")
	flags.StringVar(&kind, "kind", "", "Only outcomes of this kind (sent, skipped_policy, ...)")
	flags.DurationVar(&since, "since", 0, "Only outcomes recorded within this duration")
	flags.IntVar(&limit, "limit", 50, "Maximum number of outcomes")
	return cmd
}

// statusReport is what the status command prints.
type statusReport struct {
	Status sync.Status       `yaml:"status"`
	Stats  *model.Stats      `yaml:"stats,omitempty"`
	Runs   []model.RunRecord `yaml:"recent_runs,omitempty"`
}

func newStatusCmd(load configLoader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				addr = cfg.API.Addr
			}
			base := "http://" + strings.TrimPrefix(addr, "http://")
			client := &http.Client{Timeout: 10 * time.Second}

			var report statusReport
			if err := getJSON(client, base+"/status", &report.Status); err != nil {
				return err
			}
			var stats model.Stats
			if err := getJSON(client, base+"/stats", &stats); err != nil {
				return err
			}
			report.Stats = &stats
			if err := getJSON(client, base+"/runs?limit=5", &report.Runs); err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Control API address (defaults to api.addr)")
	return cmd
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("querying agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("querying %s: unexpected status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

func newConfigCmd(load configLoader, path func() string) *cobra.Command {
	var initFile bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initFile {
				if _, err := os.Stat(path()); err == nil {
					return fmt.Errorf("%s already exists", path())
				}
				if err := model.SaveConfig(path(), model.DefaultConfig()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path())
				return nil
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Mail.Password != "" {
				redacted.Mail.Password = "********"
			}
			if redacted.AI.APIKey != "" {
				redacted.AI.APIKey = "********"
			}
			return printYAML(cmd.OutOrStdout(), redacted)
		},
	}

	cmd.Flags().BoolVar(&initFile, "init", false, "Write a default configuration file instead")
	return cmd
}

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage secrets stored in the system keyring",
	}

	keys := credential.KeyMailPassword + " or " + credential.KeyAIAPIKey

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret read from stdin (" + keys + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkCredentialKey(args[0]); err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("reading secret: %w", err)
			}
			value := strings.TrimRight(line, "\r\n")
			if value == "" {
				return fmt.Errorf("empty secret")
			}

			ring, err := credential.Open()
			if err != nil {
				return err
			}
			return ring.Set(args[0], value)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a stored secret (" + keys + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkCredentialKey(args[0]); err != nil {
				return err
			}
			ring, err := credential.Open()
			if err != nil {
				return err
			}
			return ring.Delete(args[0])
		},
	})

	return cmd
}

func checkCredentialKey(key string) error {
	switch key {
	case credential.KeyMailPassword, credential.KeyAIAPIKey:
		return nil
	}
	return fmt.Errorf("unknown credential %q", key)
}
