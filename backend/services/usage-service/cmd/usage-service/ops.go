package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

const cliActor = "cli"

var (
	bulkReason    string
	bulkDevices   []string
	scoresAccount string
	auditAccount  string
	auditFrom     string
	auditTo       string
	repairAccount string
	repairDate    string
	repairKind    string
	repairValue   float64
	watchDevice   string
)

var bulkForceEndCmd = &cobra.Command{
	Use:   "bulk-force-end",
	Short: "Force-end every open session, optionally only on some devices",
	Example: `  usage-service bulk-force-end --reason system_maintenance
  usage-service bulk-force-end --device dev-1 --device dev-2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.app.Sessions().BulkForceEnd(rt.ctx, service.BulkForceEndInput{
			Reason:    bulkReason,
			DeviceIDs: bulkDevices,
			Actor:     cliActor,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var applyScoresCmd = &cobra.Command{
	Use:   "apply-scores",
	Short: "Settle unscored ledger days into account meters",
	Long:  `Without --account every account with unscored days before today is processed.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if scoresAccount != "" {
			result, err := rt.app.Scorer().ApplyDailyScores(rt.ctx, scoresAccount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}

		result, err := rt.app.Scorer().ApplyAll(rt.ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return errors.New("some accounts failed")
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:     "audit",
	Short:   "Compare ledger days with the sessions that fed them",
	Example: `  usage-service audit --account acct-1 --from 2024-03-01 --to 2024-03-31`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.app.Auditor().Audit(rt.ctx, auditAccount, auditFrom, auditTo)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var repairCmd = &cobra.Command{
	Use:     "repair",
	Short:   "Overwrite one ledger amount and record an audit entry",
	Example: `  usage-service repair --account acct-1 --date 2024-03-10 --resource water --value 12.3`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.app.Auditor().Repair(rt.ctx, service.RepairInput{
			AccountID:      repairAccount,
			Date:           repairDate,
			Resource:       models.Resource(repairKind),
			CorrectedValue: repairValue,
			Actor:          cliActor,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var watchCommandsCmd = &cobra.Command{
	Use:     "watch-commands",
	Short:   "Print commands published to a device over redis",
	Example: `  usage-service watch-commands --device dev-1`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		out := cmd.OutOrStdout()
		return rt.app.WatchCommands(rt.ctx, watchDevice, func(c models.DeviceCommand) {
			if err := printJSON(out, c); err != nil {
				rt.logger.Warn("failed to print command", zap.Error(err))
			}
		})
	},
}

func init() {
	bulkForceEndCmd.Flags().StringVar(&bulkReason, "reason", service.ReasonSystemMaintenance, "Force-end reason")
	bulkForceEndCmd.Flags().StringSliceVar(&bulkDevices, "device", nil, "Limit to these device ids (repeatable)")

	applyScoresCmd.Flags().StringVar(&scoresAccount, "account", "", "Only score this account")

	auditCmd.Flags().StringVar(&auditAccount, "account", "", "Account id (required)")
	auditCmd.Flags().StringVar(&auditFrom, "from", "", "First day, YYYY-MM-DD (required)")
	auditCmd.Flags().StringVar(&auditTo, "to", "", "Last day, YYYY-MM-DD (required)")
	_ = auditCmd.MarkFlagRequired("account")
	_ = auditCmd.MarkFlagRequired("from")
	_ = auditCmd.MarkFlagRequired("to")

	repairCmd.Flags().StringVar(&repairAccount, "account", "", "Account id (required)")
	repairCmd.Flags().StringVar(&repairDate, "date", "", "Ledger day, YYYY-MM-DD (required)")
	repairCmd.Flags().StringVar(&repairKind, "resource", string(models.ResourceWater), "Resource to repair")
	repairCmd.Flags().Float64Var(&repairValue, "value", 0, "Corrected amount (required)")
	_ = repairCmd.MarkFlagRequired("account")
	_ = repairCmd.MarkFlagRequired("date")
	_ = repairCmd.MarkFlagRequired("value")

	watchCommandsCmd.Flags().StringVar(&watchDevice, "device", "", "Device id (required)")
	_ = watchCommandsCmd.MarkFlagRequired("device")

	rootCmd.AddCommand(bulkForceEndCmd, applyScoresCmd, auditCmd, repairCmd, watchCommandsCmd)
}
