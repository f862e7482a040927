package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/config"
	"github.com/KevinKickass/OpenPressCore/internal/dcon"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Identify every configured DCON module",
	Long: `Send $AAM to every module referenced by the hardware section and print
the module name each one reports. The whole sequence holds the bus lock.

Do not run this while the controller owns the port.

Exit codes:
  0 - every module answered
  1 - at least one module is missing`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var port dcon.Port
	if cfg.Simulated() {
		port = dcon.NewSimulatedPort()
	} else {
		port, err = dcon.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
		if err != nil {
			return err
		}
	}

	client := dcon.NewClient(port, cfg.Serial.ResponseTimeout, cfg.Serial.Cooldown, logger)
	defer client.Close()

	modules := probeModules(cfg)
	fmt.Printf("Probing %d modules on %s\n\n", len(modules), cfg.Serial.Port)

	missing := 0
	err = client.Exclusive(func() error {
		for _, m := range modules {
			name, err := client.Identify(cmd.Context(), m)
			if err != nil {
				missing++
				fmt.Printf("  %s  no answer (%v)\n", m, err)
				continue
			}
			fmt.Printf("  %s  %s\n", m, name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n%s\n", client.Stats().Report(time.Now()))
	if missing > 0 {
		return fmt.Errorf("%d of %d modules did not answer", missing, len(modules))
	}
	return nil
}

func probeModules(cfg *config.Config) []string {
	seen := make(map[string]bool)
	add := func(m string) {
		if m != "" {
			seen[m] = true
		}
	}

	hw := &cfg.Hardware
	for _, m := range hw.InputModules() {
		add(m)
	}
	for _, m := range hw.OutputModules() {
		add(m)
	}
	add(hw.Common.AIPressureModule)
	for _, p := range hw.Presses {
		add(p.Modules.AI)
	}

	modules := make([]string, 0, len(seen))
	for m := range seen {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}
