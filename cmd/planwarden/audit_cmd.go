package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/planwarden/internal/clifmt"
	"github.com/quailyquaily/planwarden/internal/pathutil"
	"github.com/quailyquaily/planwarden/ledger"
)

var (
	exportOut    string
	exportCutoff string
	exportFiles  []string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Export and verify audit bundles",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a self-contained, offline-verifiable audit bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		opts := ledger.ExportOptions{
			PolicySnapshot: policySnapshot(),
			Artifacts:      exportFiles,
			Redactor:       w.redactor,
		}
		if strings.TrimSpace(exportCutoff) != "" {
			cutoff, err := time.Parse(time.RFC3339, strings.TrimSpace(exportCutoff))
			if err != nil {
				return fmt.Errorf("parse --cutoff: %w", err)
			}
			opts.Cutoff = cutoff.UTC()
		}

		// Approval records ride along as an exhibit so the bundle stands on
		// its own; the copy is redacted, the source store untouched.
		records, err := w.approvals.List(cmd.Context(), "")
		if err != nil {
			return err
		}
		approvalsJSON, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		opts.Exhibits = append(opts.Exhibits, ledger.Exhibit{Name: "approvals.json", Data: approvalsJSON})

		dir := pathutil.ExpandHomePath(exportOut)
		manifest, err := ledger.Export(w.receipts, dir, opts)
		if err != nil {
			return err
		}

		fmt.Println(clifmt.Success("bundle exported to " + dir))
		fmt.Printf("%s %d\n", clifmt.Key("files:"), len(manifest.Files))
		fmt.Printf("%s %s\n", clifmt.Key("manifest_hash:"), manifest.ManifestHash)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <bundle-dir>",
	Short: "Recompute every digest in an exported bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := ledger.VerifyBundle(pathutil.ExpandHomePath(args[0]))
		if err != nil {
			return err
		}
		if res.OK {
			fmt.Println(clifmt.Success(fmt.Sprintf("bundle verified: %d files, chain intact", res.Files)))
			return nil
		}
		for _, p := range res.Problems {
			fmt.Println(clifmt.Warn("  " + p))
		}
		return fmt.Errorf("bundle verification failed with %d problem(s)", len(res.Problems))
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&exportOut, "out", "", "output directory (required)")
	auditExportCmd.Flags().StringVar(&exportCutoff, "cutoff", "", "only export receipts at or after this RFC 3339 time")
	auditExportCmd.Flags().StringSliceVar(&exportFiles, "artifact", nil, "artifact reference to list in the bundle")
	_ = auditExportCmd.MarkFlagRequired("out")

	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}
