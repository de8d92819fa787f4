package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"mirage-mcp-server/internal/schema"
)

var decodeInteractions string

var decodeCmd = &cobra.Command{
	Use:   "decode <schema|->",
	Short: "Print an encoded query schema as JSON",
	Long: `decode reads the schema string of a captured pivot request (or stdin with "-") and prints
the decoded QuerySchema. --interactions takes the request's interactionsList; the last
drill-in replaces the row hierarchies.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		encoded := args[0]
		if encoded == "-" {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return errors.Wrap(err, "read stdin")
			}
			encoded = string(raw)
		}
		return decodeSchema(cmd.OutOrStdout(), strings.TrimSpace(encoded), decodeInteractions)
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeInteractions, "interactions", "", "interactionsList JSON array")
}

func decodeSchema(w io.Writer, encoded, interactions string) error {
	var list schema.InteractionList
	if interactions != "" {
		if err := json.Unmarshal([]byte(interactions), &list); err != nil {
			return errors.Wrap(err, "parse interactions")
		}
	}
	q, err := schema.Decode(encoded, list)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(q)
}
