package main

import (
	"bufio"
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "pas-shell",
	Short: "Interactive SQL console against the workflow database",
	Args:  cobra.NoArgs,
	RunE:  withEnvironment(cmdShell),
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func cmdShell(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	printf(cmd, "connected; terminate statements with a newline, exit with \\q\n")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	printf(cmd, "pasflow> ")
	for scanner.Scan() {
		statement := strings.TrimSpace(scanner.Text())
		switch {
		case statement == "":
		case statement == `\q` || statement == "exit" || statement == "quit":
			return nil
		case isQuery(statement):
			columns, rows, err := env.db.QueryRows(ctx, statement)
			if err != nil {
				printf(cmd, "error: %v\n", err)
				break
			}
			printf(cmd, "%s\n", strings.Join(columns, " | "))
			for _, row := range rows {
				printf(cmd, "%s\n", strings.Join(row, " | "))
			}
			printf(cmd, "(%d rows)\n", len(rows))
		default:
			affected, err := env.db.Exec(ctx, statement)
			if err != nil {
				printf(cmd, "error: %v\n", err)
				break
			}
			printf(cmd, "(%d rows affected)\n", affected)
		}
		printf(cmd, "pasflow> ")
	}
	return scanner.Err()
}

func isQuery(statement string) bool {
	lowered := strings.ToLower(statement)
	return strings.HasPrefix(lowered, "select") ||
		strings.HasPrefix(lowered, "with") ||
		strings.HasPrefix(lowered, "explain")
}
