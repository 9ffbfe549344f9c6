package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/org/phivault/internal/crypto"
)

var rootCmd = &cobra.Command{
	Use:   "phictl",
	Short: "PHIVault operations CLI",
	Long:  "A CLI for operating the PHIVault PHI protection service.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(statusCmd())
}

// --- key ---

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Key management commands"}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new hex-encoded 256-bit master key",
		Long:  "Generates a key locally. Nothing is sent to the server; deliver the key to the deployment's secret store yourself.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateMasterKey()
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println(key)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Audit trail commands"}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify hash-chain integrity of the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/audit/verify")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			if intact, ok := result["intact"].(bool); ok && !intact {
				os.Exit(2)
			}
			return nil
		},
	}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queryParams{}
			for flag, param := range map[string]string{
				"actor":         "actor_id",
				"action":        "action",
				"resource-type": "resource_type",
				"resource-id":   "resource_id",
				"since":         "since",
				"until":         "until",
			} {
				v, _ := cmd.Flags().GetString(flag)
				q.addString(param, v)
			}
			if v, _ := cmd.Flags().GetInt("min-risk"); v > 0 {
				q.addString("min_risk_score", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.addString("limit", strconv.Itoa(v))
			}
			client := newClient()
			result, err := client.get("/v1/audit/events" + q.encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	queryCmd.Flags().String("actor", "", "Filter by actor ID")
	queryCmd.Flags().String("action", "", "Filter by action (e.g. PHI_ACCESS)")
	queryCmd.Flags().String("resource-type", "", "Filter by resource type")
	queryCmd.Flags().String("resource-id", "", "Filter by resource ID")
	queryCmd.Flags().String("since", "", "Only events at or after this RFC3339 time")
	queryCmd.Flags().String("until", "", "Only events before this RFC3339 time")
	queryCmd.Flags().Int("min-risk", 0, "Minimum risk score")
	queryCmd.Flags().Int("limit", 0, "Maximum events to return")

	cmd.AddCommand(verifyCmd, queryCmd)
	return cmd
}

// --- rotation ---

func rotationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rotation", Short: "Key rotation commands"}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show rotation age status for all tracked keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/rotation/status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	recordCmd := &cobra.Command{
		Use:   "record <key-type>",
		Short: "Record that a key was rotated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rotatedBy, _ := cmd.Flags().GetString("by")
			client := newClient()
			result, err := client.post("/v1/rotation/rotations", map[string]any{
				"key_type":   args[0],
				"rotated_by": rotatedBy,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	recordCmd.Flags().String("by", "", "Operator recording the rotation")

	cmd.AddCommand(statusCmd, recordCmd)
	return cmd
}

// --- retention ---

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "retention", Short: "Retention enforcement commands"}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a retention enforcement cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/retention/run", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit storage and expiry statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/retention/stats")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(runCmd, statsCmd)
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/health")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}
