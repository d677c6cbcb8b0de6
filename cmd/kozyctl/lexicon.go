package main

import (
	"strings"
	"text/tabwriter"

	"github.com/ashureev/kozy/internal/lexicon"
	"github.com/spf13/cobra"
)

var kindFilter string

// lexiconCmd lists the loaded categories and their triggers.
var lexiconCmd = &cobra.Command{
	Use:   "lexicon",
	Short: "List lexicon categories and triggers",
	Args:  cobra.NoArgs,
	RunE:  runLexicon,
}

func init() {
	lexiconCmd.Flags().StringVar(&kindFilter, "kind", "", "Only list categories of this kind (emotion, topic, crisis, ...)")
}

func runLexicon(cmd *cobra.Command, _ []string) error {
	lex, err := loadLexicon()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	writef(tw, "CATEGORY\tKIND\tTRIGGERS\n")
	for _, name := range lex.Categories() {
		kind, _ := lex.KindOf(name)
		if kindFilter != "" && kind != lexicon.Kind(kindFilter) {
			continue
		}
		writef(tw, "%s\t%s\t%s\n", name, kind, strings.Join(lex.Lookup(name), ", "))
	}
	for _, p := range lex.Pairs() {
		if kindFilter != "" && kindFilter != "pair" {
			continue
		}
		writef(tw, "%s\tpair\t%s x %s\n", p.Tag, strings.Join(p.First, ", "), strings.Join(p.Second, ", "))
	}
	return tw.Flush()
}
