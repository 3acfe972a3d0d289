package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pasflow/pasflow/dpres"
)

var (
	dipToolCmd = &cobra.Command{
		Use:   "dip-tool",
		Short: "Search and download preserved packages from the preservation service",
	}
	dipDownloadCmd = &cobra.Command{
		Use:   "download AIP_ID",
		Short: "Disseminate a preserved package and download it",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnvironment(cmdDIPDownload),
	}
	dipListCmd = &cobra.Command{
		Use:   "list",
		Short: "List preserved packages",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdDIPList),
	}

	dipFlags struct {
		output string
		page   int
		limit  int
		query  string
	}
)

func init() {
	rootCmd.AddCommand(dipToolCmd)
	dipToolCmd.AddCommand(dipDownloadCmd, dipListCmd)

	dipDownloadCmd.Flags().StringVar(&dipFlags.output,
		"output", "", "output path, defaults to <aip-id>.zip in the working directory")
	dipListCmd.Flags().IntVar(&dipFlags.page, "page", 1, "result page")
	dipListCmd.Flags().IntVar(&dipFlags.limit, "limit", 50, "results per page")
	dipListCmd.Flags().StringVar(&dipFlags.query, "query", "", "search query")
}

func newDIPClient(env *environment) *dpres.DIPClient {
	return dpres.NewDIPClient(env.log.Named("dip"), dpres.DIPConfig{
		Host:               env.config.DPRES.Host,
		ContractID:         env.config.DPRES.ContractID,
		InsecureSkipVerify: env.config.DPRES.InsecureTLS,
	})
}

func cmdDIPDownload(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	aipID := args[0]
	output := dipFlags.output
	if output == "" {
		output = filepath.Join(".", aipID+".zip")
	}

	if err := newDIPClient(env).Download(ctx, aipID, output); err != nil {
		return err
	}
	printf(cmd, "downloaded %s to %s\n", aipID, output)
	return nil
}

func cmdDIPList(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	ids, err := newDIPClient(env).Search(
		ctx, dipFlags.page, dipFlags.limit, dipFlags.query)
	if err != nil {
		return err
	}
	for _, id := range ids {
		printf(cmd, "%s\n", id)
	}
	return nil
}
