package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/handoff/internal/intercept"
)

var (
	labelStyle     = lipgloss.NewStyle().Bold(true).Width(11)
	interceptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	ignoreStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
)

func newClassifyCmd() *cobra.Command {
	var (
		cand      intercept.Candidate
		source    string
		rulesFile string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "classify URL",
		Short: "Show how a download URL would be classified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cand.URL = args[0]
			if err := cand.Source.UnmarshalText([]byte(source)); err != nil {
				return err
			}

			if rulesFile == "" {
				rulesFile = envOr("RULES_FILE", "")
			}

			rules, err := intercept.LoadRules(rulesFile)
			if err != nil {
				return err
			}

			classifier, err := intercept.NewClassifier(rules)
			if err != nil {
				return err
			}

			decision := classifier.Classify(cand)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")

				return enc.Encode(decision)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderDecision(cand, decision))

			return nil
		},
	}

	f := cmd.Flags()
	f.Int64Var(&cand.SizeBytes, "size", 0, "declared size in bytes")
	f.StringVar(&cand.SuggestedFilename, "filename", "", "filename suggested by the browser")
	f.StringVar(&cand.PageURL, "page", "", "URL of the page the download started from")
	f.StringVar(&cand.Referrer, "referrer", "", "referrer of the download request")
	f.StringVar(&cand.ContentDisposition, "content-disposition", "", "Content-Disposition response header")
	f.StringVar(&source, "source", intercept.SourceFilenameDetermination.String(), "browser event that produced the download")
	f.StringVar(&rulesFile, "rules", "", "YAML rules file (defaults to RULES_FILE)")
	f.BoolVar(&asJSON, "json", false, "print the decision as JSON")

	return cmd
}

func renderDecision(cand intercept.Candidate, d intercept.Decision) string {
	verdict := ignoreStyle.Render("IGNORE")
	if d.Intercept {
		verdict = interceptStyle.Render("INTERCEPT")
	}

	size := "unknown"
	if cand.Size() > 0 {
		size = humanize.Bytes(uint64(cand.Size()))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		labelStyle.Render("decision")+verdict,
		labelStyle.Render("reason")+d.Reason,
		labelStyle.Render("filename")+d.Filename,
		labelStyle.Render("category")+d.Category,
		labelStyle.Render("size")+size,
	)
}
