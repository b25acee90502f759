package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foxzi/volley/internal/model"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Proxy pool management commands",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proxies",
	RunE:  runProxiesList,
}

var proxiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import SOCKS5 proxies from a file, one host:port per line",
	Args:  cobra.ExactArgs(1),
	RunE:  runProxiesImport,
}

var proxiesEnableCmd = &cobra.Command{
	Use:   "enable <proxy_id>",
	Short: "Re-enable a disabled proxy",
	Args:  cobra.ExactArgs(1),
	RunE:  runProxiesEnable,
}

func init() {
	proxiesCmd.AddCommand(proxiesListCmd, proxiesImportCmd, proxiesEnableCmd)
	rootCmd.AddCommand(proxiesCmd)
}

func runProxiesList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	proxies, err := s.ListProxies()
	if err != nil {
		return fmt.Errorf("failed to list proxies: %w", err)
	}
	if len(proxies) == 0 {
		fmt.Println("No proxies")
		return nil
	}

	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Address < proxies[j].Address })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tACTIVE\tSUCCESSES\tFAILURES")
	for _, p := range proxies {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\n",
			truncateID(p.ID), p.Address, p.Active, p.SuccessCount, p.FailureCount)
	}
	w.Flush()
	return nil
}

func runProxiesImport(cmd *cobra.Command, args []string) error {
	addresses, err := readLines(args[0])
	if err != nil {
		return fmt.Errorf("failed to read proxies file: %w", err)
	}
	if len(addresses) == 0 {
		return fmt.Errorf("proxies file contains no addresses")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	existing, err := s.ListProxies()
	if err != nil {
		return fmt.Errorf("failed to list proxies: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.Address] = true
	}

	imported := 0
	for _, addr := range addresses {
		if known[addr] {
			continue
		}
		p := &model.Proxy{
			ID:      uuid.NewString(),
			Address: addr,
			Active:  true,
		}
		if err := s.PutProxy(p); err != nil {
			return fmt.Errorf("failed to store proxy %s: %w", addr, err)
		}
		known[addr] = true
		imported++
	}

	fmt.Printf("Imported %d proxies (%d skipped as duplicates)\n", imported, len(addresses)-imported)
	return nil
}

func runProxiesEnable(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.UpdateProxy(args[0], func(p *model.Proxy) error {
		p.Active = true
		p.FailureCount = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enable proxy: %w", err)
	}

	fmt.Printf("Proxy %s (%s) re-enabled\n", truncateID(p.ID), p.Address)
	return nil
}
