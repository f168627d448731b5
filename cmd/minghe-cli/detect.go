package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/minghe/internal/crisis"
)

func runDetect(cmd *cobra.Command, args []string) error {
	detector, err := loadDetector(patternPath)
	if err != nil {
		return err
	}
	message := strings.Join(args, " ")
	a, err := detector.Detect(cmd.Context(), message)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "level:      %s\n", a.Level)
	if a.Detected {
		fmt.Fprintf(out, "category:   %s\n", a.Category)
		fmt.Fprintf(out, "signal:     %s\n", a.MatchedSignal)
	}
	fmt.Fprintf(out, "confidence: %.2f\n", a.Confidence)
	if a.Preempts() {
		fmt.Fprintln(out, "preempts:   yes")
		for _, h := range detector.Hotlines("zh-CN") {
			fmt.Fprintf(out, "  %s %s\n", h.Name, h.Phone)
		}
	}
	return nil
}

func loadDetector(path string) (*crisis.Detector, error) {
	if strings.TrimSpace(path) == "" {
		return crisis.NewDefaultDetector()
	}
	table, err := crisis.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	return crisis.NewDetector(table)
}
