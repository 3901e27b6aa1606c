package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
)

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	root := &cobra.Command{Use: "history", Short: "Inspect recorded execution attempts"}

	var statusArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := strings.ToLower(strings.TrimSpace(statusArg))
			switch execution.SwapStatus(status) {
			case "", execution.SwapStatusExecuting, execution.SwapStatusSuccess, execution.SwapStatusError:
			default:
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported status filter %q (use executing|success|error)", statusArg))
			}
			items, err := s.journal.List(status, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list attempts", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil)
		},
	}
	list.Flags().StringVar(&statusArg, "status", "", "Filter by status (executing|success|error)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum attempts to return")

	get := &cobra.Command{
		Use:   "get <attempt-id>",
		Short: "Show one attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.journal.Get(strings.TrimSpace(args[0]))
			if err != nil {
				if _, ok := clierr.As(err); ok {
					return err
				}
				return clierr.Wrap(clierr.CodeInternal, "read attempt", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), st, nil, cacheMetaBypass(), nil)
		},
	}

	root.AddCommand(list)
	root.AddCommand(get)
	return root
}
