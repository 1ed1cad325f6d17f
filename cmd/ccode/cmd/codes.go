package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/infra/adapters/dispatch"
	"command-codes/internal/infra/db"
)

// codeView is the YAML shape printed by show.
type codeView struct {
	Token       string   `yaml:"token"`
	Status      string   `yaml:"status"`
	Payload     string   `yaml:"payload"`
	UsesAllowed int      `yaml:"uses_allowed"`
	Remaining   int      `yaml:"remaining"`
	Redeemers   []string `yaml:"redeemers"`
}

func newCodeView(c *model.Code) codeView {
	v := codeView{
		Token:       c.Token,
		Status:      c.Status().String(),
		Payload:     c.Payload,
		UsesAllowed: c.UsesAllowed,
		Remaining:   c.Remaining(),
		Redeemers:   make([]string, 0, len(c.Redeemers)),
	}
	for _, p := range c.Redeemers {
		v.Redeemers = append(v.Redeemers, string(p))
	}
	return v
}

func positiveInt(arg, name string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q: %w", name, arg, domain.ErrInvalidArgument)
	}
	return n, nil
}

func (a *app) generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <count> <uses> <payload...>",
		Short: "Generate codes bound to a payload",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := positiveInt(args[0], "count")
			if err != nil {
				return err
			}
			uses, err := positiveInt(args[1], "uses")
			if err != nil {
				return err
			}
			payload := strings.Join(args[2:], " ")

			codes, err := a.reg.GenerateBatch(cmd.Context(), payload, uses, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range codes {
				fmt.Fprintln(out, c.Token)
			}
			return nil
		},
	}
}

// pageBounds returns the slice bounds of a 1-based page and the page count.
func pageBounds(total, page int) (from, to, pages int, err error) {
	pages = (total + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	if page < 1 || page > pages {
		return 0, 0, pages, fmt.Errorf("page %d out of range 1-%d: %w", page, pages, domain.ErrInvalidArgument)
	}
	from = (page - 1) * pageSize
	to = min(from+pageSize, total)
	return from, to, pages, nil
}

func printPage(out io.Writer, codes []*model.Code, page int) error {
	from, to, pages, err := pageBounds(len(codes), page)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d/%d (%d codes)\n", page, pages, len(codes))
	for _, c := range codes[from:to] {
		fmt.Fprintf(out, "%s\t%d/%d\t%s\n", c.Token, len(c.Redeemers), c.UsesAllowed, c.Payload)
	}
	return nil
}

func (a *app) listCmd(use, short string, spent bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [page]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page := 1
			if len(args) == 1 {
				p, err := positiveInt(args[0], "page")
				if err != nil {
					return err
				}
				page = p
			}
			codes := a.reg.ActiveCodes()
			if spent {
				codes = a.reg.SpentCodes()
			}
			return printPage(cmd.OutOrStdout(), codes, page)
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <token>",
		Short: "Show one code, active or spent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.reg.Lookup(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(newCodeView(c)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func (a *app) redeemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <principal> <token>",
		Short: "Redeem a code for a principal and dispatch its payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.reg.Redeem(ctx, model.PrincipalID(args[0]), args[1])
			if err != nil {
				return err
			}
			// persist before the payload runs so a failed save cannot be redeemed again
			if err := a.reg.Save(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "redeemed %s: %s (%d uses left)\n", c.Token, c.Payload, c.Remaining())

			d, err := dispatch.New(a.cfg.Dispatch, a.log)
			if err != nil {
				return err
			}
			if err := d.Dispatch(ctx, model.PrincipalID(args[0]), c.Payload); err != nil {
				// the redemption stands; the caller re-runs the payload by hand
				a.log.Error().Err(err).Str("dispatcher", d.Name()).Str("token", c.Token).Msg("dispatch failed")
				fmt.Fprintf(out, "dispatch via %s failed: %v\n", d.Name(), err)
			}
			return nil
		},
	}
}

func (a *app) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove a code, active or spent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.reg.Lookup(args[0])
			if err != nil {
				return err
			}
			if !a.reg.Remove(c) {
				return domain.ErrCodeNotFound
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", c.Token)
			return nil
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "restore",
		Short:       "Put the rewrite backup back in place of the data file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipRegistry: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			br, ok := a.handle.Store.(db.BackupRestorer)
			if !ok {
				return fmt.Errorf("backend %s keeps no backup: %w", a.handle.Store.Backend(), domain.ErrInvalidArgument)
			}
			if err := br.RestoreBackup(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup restored")
			return nil
		},
	}
}
