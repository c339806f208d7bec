package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/qodfleet/internal/config"
	"github.com/goodtune/qodfleet/internal/nac"
	"github.com/goodtune/qodfleet/internal/probe"
	"github.com/goodtune/qodfleet/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	probeMaxAge  time.Duration
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query the network-exposure API directly",
	Long: `Query the configured network-exposure API without touching the device
registry. Useful to check credentials and reachability before starting the server.`,
}

var probeStatusCmd = &cobra.Command{
	Use:     "status PHONE",
	Short:   "Show the connectivity status of a phone number",
	Example: `  qodfleet -c config.yaml probe status +34600000000`,
	Args:    cobra.ExactArgs(1),
	RunE:    runProbeStatus,
}

var probeLocationCmd = &cobra.Command{
	Use:     "location PHONE",
	Short:   "Show the last location fix of a phone number",
	Example: `  qodfleet probe location --max-age 10m +34600000000`,
	Args:    cobra.ExactArgs(1),
	RunE:    runProbeLocation,
}

var probeProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the QoD profiles offered upstream",
	Args:  cobra.NoArgs,
	RunE:  runProbeProfiles,
}

var probeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the network-exposure API is reachable",
	Args:  cobra.NoArgs,
	RunE:  runProbeHealth,
}

func init() {
	probeCmd.PersistentFlags().DurationVar(&probeTimeout, "timeout", 15*time.Second, "Overall request timeout")
	probeLocationCmd.Flags().DurationVar(&probeMaxAge, "max-age", probe.DefaultLocationMaxAge, "Oldest acceptable location fix")

	probeCmd.AddCommand(probeStatusCmd)
	probeCmd.AddCommand(probeLocationCmd)
	probeCmd.AddCommand(probeProfilesCmd)
	probeCmd.AddCommand(probeHealthCmd)
	rootCmd.AddCommand(probeCmd)
}

// probeClient builds a client from configuration with a quiet logger
func probeClient() (nac.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
	return openClient(cfg.NAC, logger)
}

func runProbeStatus(cmd *cobra.Command, args []string) error {
	phone := args[0]
	if err := storage.ValidatePhoneNumber(phone); err != nil {
		return err
	}

	client, err := probeClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	status, err := client.QueryStatus(ctx, phone)

	printHeader("DEVICE STATUS")
	fmt.Printf("Phone:      %s\n", phone)
	fmt.Println()

	if err != nil {
		printUpstreamError(err)
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Print("Status:     ")
	switch status {
	case storage.StatusOnline:
		_, _ = color.New(color.FgGreen, color.Bold).Println("ONLINE")
	case storage.StatusOffline:
		_, _ = color.New(color.FgRed, color.Bold).Println("OFFLINE")
	default:
		_, _ = color.New(color.FgYellow, color.Bold).Println("UNKNOWN")
	}

	printFooter()
	return nil
}

func runProbeLocation(cmd *cobra.Command, args []string) error {
	phone := args[0]
	if err := storage.ValidatePhoneNumber(phone); err != nil {
		return err
	}

	client, err := probeClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	loc, err := client.QueryLocation(ctx, phone, probeMaxAge)

	printHeader("DEVICE LOCATION")
	fmt.Printf("Phone:      %s\n", phone)
	fmt.Printf("Max age:    %s\n", probeMaxAge)
	fmt.Println()

	if errors.Is(err, nac.ErrNoLocationFix) {
		_, _ = color.New(color.FgYellow, color.Bold).Println("No precise fix available")
		printFooter()
		return nil
	}
	if err != nil {
		printUpstreamError(err)
		return err
	}

	fmt.Printf("Latitude:   %.6f\n", loc.Latitude)
	fmt.Printf("Longitude:  %.6f\n", loc.Longitude)
	if loc.Radius > 0 {
		fmt.Printf("Accuracy:   %.0f m\n", loc.Radius)
	}
	fmt.Printf("Observed:   %s\n", loc.ObservedAt.Format(time.RFC3339))

	printFooter()
	return nil
}

func runProbeProfiles(cmd *cobra.Command, args []string) error {
	client, err := probeClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	profiles, err := client.ListQoDProfiles(ctx)

	printHeader("QOD PROFILES")
	if err != nil {
		printUpstreamError(err)
		return err
	}

	green := color.New(color.FgGreen)
	for _, profile := range profiles {
		_, _ = green.Printf("  %s\n", profile)
	}
	fmt.Printf("\n%d profile(s)\n", len(profiles))

	printFooter()
	return nil
}

func runProbeHealth(cmd *cobra.Command, args []string) error {
	client, err := probeClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	start := time.Now()
	err = client.Health(ctx)
	elapsed := time.Since(start)

	printHeader("NETWORK-EXPOSURE API HEALTH")
	if err != nil {
		printUpstreamError(err)
		return err
	}

	_, _ = color.New(color.FgGreen, color.Bold).Printf("OK (%s)\n", elapsed.Round(time.Millisecond))
	printFooter()
	return nil
}

func printHeader(title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println(title)
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	_, _ = color.New(color.FgCyan, color.Bold).Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printUpstreamError(err error) {
	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Printf("FAILED (%s)\n", nac.KindName(err))
	fmt.Printf("            → %v\n", err)
	if errors.Is(err, nac.ErrUnauthorized) {
		fmt.Println("            → Check nac.api_key")
	}
	if errors.Is(err, nac.ErrUnreachable) {
		fmt.Println("            → Check nac.base_url and network access")
	}
	printFooter()
}
