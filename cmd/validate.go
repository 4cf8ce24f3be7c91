package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mybookshelf/pricewatch/internal/validation"
)

var validateCmd = &cobra.Command{
	Use:   "validate <old-price> <new-price>",
	Short: "Run a price transition through the validation layers",
	Long:  "Prints the verdict the updater would reach for a change from old-price to new-price. Use \"none\" as new-price for a failed lookup.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldPrice, err := decimal.NewFromString(args[0])
		if err != nil {
			return eris.Wrapf(err, "parse old price %q", args[0])
		}

		var newPrice *decimal.Decimal
		if !strings.EqualFold(args[1], "none") {
			p, err := decimal.NewFromString(args[1])
			if err != nil {
				return eris.Wrapf(err, "parse new price %q", args[1])
			}
			newPrice = &p
		}

		policyPath, _ := cmd.Flags().GetString("policy")
		if policyPath == "" {
			policyPath = cfg.Validation.PolicyFile
		}
		engine, err := loadEngine(policyPath)
		if err != nil {
			return err
		}

		title, _ := cmd.Flags().GetString("title")
		v := engine.Validate(oldPrice, newPrice, title)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		formatVerdict(os.Stdout, v)
		return nil
	},
}

func init() {
	validateCmd.Flags().String("title", "", "item title, used only for logging context")
	validateCmd.Flags().String("policy", "", "YAML policy file (default from config)")
	validateCmd.Flags().Bool("json", false, "print the verdict as JSON")
	rootCmd.AddCommand(validateCmd)
}

// formatVerdict writes a verdict and its diagnostics to out.
func formatVerdict(out io.Writer, v validation.Verdict) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Valid\t%t\n", v.IsValid)
	_, _ = fmt.Fprintf(w, "Action\t%s\n", v.Action)
	_, _ = fmt.Fprintf(w, "Layer\t%s\n", v.Layer)
	_, _ = fmt.Fprintf(w, "Reason\t%s\n", v.Reason)
	_, _ = fmt.Fprintf(w, "Change\t%s%%\n", v.PercentChange.StringFixed(2))
	d := v.Details
	if d.PriceCategory != "" {
		_, _ = fmt.Fprintf(w, "Category\t%s\n", d.PriceCategory)
	}
	if d.MaxChangePercent != nil {
		_, _ = fmt.Fprintf(w, "Max change\t%s%%\n", d.MaxChangePercent.String())
	}
	if d.ChangeMagnitude != "" {
		_, _ = fmt.Fprintf(w, "Magnitude\t%s\n", d.ChangeMagnitude)
	}
	if d.ZScore != nil {
		_, _ = fmt.Fprintf(w, "Z-score\t%.2f (threshold %.1f)\n", *d.ZScore, d.ZScoreThreshold)
	}
	if len(d.ContextFactors) > 0 {
		factors := make([]string, len(d.ContextFactors))
		for i, f := range d.ContextFactors {
			factors[i] = string(f)
		}
		_, _ = fmt.Fprintf(w, "Context\t%s\n", strings.Join(factors, ", "))
	}
	_ = w.Flush()
}
