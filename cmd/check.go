package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/apfsck/internal/checker"
	"github.com/deploymenttheory/apfsck/internal/disk"
	"github.com/deploymenttheory/apfsck/internal/report"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <device-or-image>",
	Short: "Check every tree in a container, starting from its superblock",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := args[0]

	var cfg disk.DMGConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling device config: %w", err)
	}

	dmg, err := disk.OpenDMG(path, &cfg)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer dmg.Close()

	sink, err := checker.Run(dmg)
	if err != nil {
		log.Errorf("check failed: %v", err)
		return err
	}

	printReport(sink)
	if verbose {
		dmg.PrintStats()
	}
	return nil
}

func printReport(sink *report.Sink) {
	log.Infof("trees checked: %d", sink.Stats.TreesChecked)
	log.Infof("keys checked: %d", sink.Stats.KeyCount)
	log.Infof("nodes checked: %d", sink.Stats.NodeCount)

	findings := sink.UnknownFindings()
	if len(findings) == 0 {
		log.Info("no unsupported features encountered")
		return
	}
	log.Warnf("%d unsupported feature(s) encountered:", len(findings))
	for _, f := range findings {
		log.Warnf("  %s: %s", f.Feature, f.Context)
	}
}
