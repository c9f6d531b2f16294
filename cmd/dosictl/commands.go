package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/unixabg/dosi/internal/eventlog"
	"github.com/unixabg/dosi/internal/registry"
)

const stamp = "2006-01-02 15:04:05"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(stamp)
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device and group counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				pending, err := s.reg.ListPending(s.actor)
				if err != nil {
					return err
				}
				groups, err := s.reg.ListGroups(s.actor)
				if err != nil {
					return err
				}
				adopted := 0
				for _, g := range groups {
					adopted += g.Devices
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, map[string]int{"pending": len(pending), "adopted": adopted, "groups": len(groups)})
				}
				fmt.Fprintf(out, "Pending:  %s\n", color.YellowString("%d", len(pending)))
				fmt.Fprintf(out, "Adopted:  %s\n", color.GreenString("%d", adopted))
				fmt.Fprintf(out, "Groups:   %d\n", len(groups))
				return nil
			})
		},
	}
}

func (a *app) newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List devices awaiting adoption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				list, err := s.reg.ListPending(s.actor)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), list)
				}
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{p.ID, p.Status, fmtTime(p.LastCheckIn)})
				}
				printTable(cmd.OutOrStdout(), []string{"device", "status", "last check-in"}, rows)
				return nil
			})
		},
	}
}

func (a *app) newGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				list, err := s.reg.ListGroups(s.actor)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), list)
				}
				rows := make([][]string, 0, len(list))
				for _, g := range list {
					script := "-"
					if g.HasScript {
						script = "yes"
					}
					rows = append(rows, []string{g.Name, strconv.Itoa(g.Devices), script})
				}
				printTable(cmd.OutOrStdout(), []string{"group", "devices", "script"}, rows)
				return nil
			})
		},
	}
}

func (a *app) newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [group]",
		Short: "List adopted devices, optionally in one group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				var (
					list []registry.Device
					err  error
				)
				if len(args) == 1 {
					list, err = s.reg.ListDevices(s.actor, args[0])
				} else {
					list, err = s.reg.ListAdopted(s.actor)
				}
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					return printJSON(cmd.OutOrStdout(), list)
				}
				rows := make([][]string, 0, len(list))
				for _, d := range list {
					reboot := ""
					if d.RebootPending {
						reboot = color.YellowString("pending")
					}
					rows = append(rows, []string{d.ID, d.Group, d.Alias, fmtTime(d.LastCheckIn), reboot})
				}
				printTable(cmd.OutOrStdout(), []string{"device", "group", "alias", "last check-in", "reboot"}, rows)
				return nil
			})
		},
	}
}

func (a *app) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device>",
		Short: "Show where a device is in its lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				st, err := s.reg.Lookup(s.actor, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, st)
				}
				fmt.Fprintf(out, "%s: %s\n", st.ID, st.Phase)
				switch {
				case st.Device != nil:
					fmt.Fprintf(out, "  group:         %s\n", st.Device.Group)
					fmt.Fprintf(out, "  alias:         %s\n", st.Device.Alias)
					fmt.Fprintf(out, "  last check-in: %s\n", fmtTime(st.Device.LastCheckIn))
					fmt.Fprintf(out, "  reboot:        %t\n", st.Device.RebootPending)
				case st.Pending != nil:
					fmt.Fprintf(out, "  status:        %s\n", st.Pending.Status)
					fmt.Fprintf(out, "  last check-in: %s\n", fmtTime(st.Pending.LastCheckIn))
				}
				return nil
			})
		},
	}
}

func (a *app) newAdoptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adopt <device> <group>",
		Short: "Adopt a pending device into a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				if err := s.reg.Adopt(s.actor, args[0], args[1]); err != nil {
					return err
				}
				ok(cmd.OutOrStdout(), "adopted %s into %s", args[0], args[1])
				return nil
			})
		},
	}
}

func reportBatch(w io.Writer, verb string, rep registry.BatchReport) error {
	for _, id := range rep.Done {
		ok(w, "%s %s", verb, id)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(w, "%s %s: %v\n", color.RedString("✗"), f.DeviceID, f.Err)
	}
	if len(rep.Failed) > 0 {
		return fmt.Errorf("%d of %d devices failed", len(rep.Failed), len(rep.Failed)+len(rep.Done))
	}
	return nil
}

func (a *app) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <device>...",
		Short: "Delete devices, adopted or pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				rep, err := s.reg.BatchDelete(s.actor, args)
				if err != nil {
					return err
				}
				return reportBatch(cmd.OutOrStdout(), "deleted", rep)
			})
		},
	}
}

func (a *app) newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <group> <device>...",
		Short: "Move adopted devices into a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				rep, err := s.reg.BatchMove(s.actor, args[1:], args[0])
				if err != nil {
					return err
				}
				return reportBatch(cmd.OutOrStdout(), "moved", rep)
			})
		},
	}
}

func (a *app) newRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reboot <device> <group>",
		Short: "Ask a device to reboot on its next check-in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				if err := s.reg.RequestReboot(s.actor, args[0], args[1]); err != nil {
					return err
				}
				ok(cmd.OutOrStdout(), "reboot requested for %s", args[0])
				return nil
			})
		},
	}
}

func (a *app) newAliasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Set or clear device aliases",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <device> <group> <alias>",
			Short: "Set a device alias",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(func(s *session) error {
					if err := s.reg.SetAlias(s.actor, args[0], args[1], args[2]); err != nil {
						return err
					}
					ok(cmd.OutOrStdout(), "alias for %s set", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear <device> <group>",
			Short: "Remove a device alias",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(func(s *session) error {
					if err := s.reg.DeleteAlias(s.actor, args[0], args[1]); err != nil {
						return err
					}
					ok(cmd.OutOrStdout(), "alias for %s cleared", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create or delete groups",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create an empty group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(func(s *session) error {
					if err := s.reg.CreateGroup(s.actor, args[0]); err != nil {
						return err
					}
					ok(cmd.OutOrStdout(), "group %s created", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete an empty group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(func(s *session) error {
					if err := s.reg.DeleteGroup(s.actor, args[0]); err != nil {
						return err
					}
					ok(cmd.OutOrStdout(), "group %s deleted", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) newScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Show or replace a group's provisioning script",
	}
	var file string
	set := &cobra.Command{
		Use:   "set <group>",
		Short: "Replace the script from --file or standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if file == "" || file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return a.with(func(s *session) error {
				if err := s.reg.SetProvisioningScript(s.actor, args[0], string(data)); err != nil {
					return err
				}
				ok(cmd.OutOrStdout(), "script for %s saved (%d bytes)", args[0], len(data))
				return nil
			})
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "script file (default standard input)")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <group>",
			Short: "Print the script",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(func(s *session) error {
					script, err := s.reg.ProvisioningScript(s.actor, args[0])
					if err != nil {
						return err
					}
					_, err = io.WriteString(cmd.OutOrStdout(), script)
					return err
				})
			},
		},
		set,
	)
	return cmd
}

func (a *app) newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair state left behind by interrupted operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				rep, err := s.reg.Reconcile(s.actor)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, rep)
				}
				if !rep.Changed() {
					ok(out, "registry is consistent")
					return nil
				}
				fmt.Fprintf(out, "completed adoptions:  %d\n", rep.Completed)
				fmt.Fprintf(out, "discarded records:    %d\n", rep.Discarded)
				fmt.Fprintf(out, "duplicates removed:   %d\n", rep.Deduplicated)
				fmt.Fprintf(out, "stale markers removed: %d\n", rep.Shadowed)
				return nil
			})
		},
	}
}

func (a *app) newCheckInCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <device>",
		Short: "Check in as a device and print the reply it would get",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(func(s *session) error {
				res, err := s.reg.CheckIn(s.actor, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOutput() {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "%s: %s\n", res.DeviceID, res.Outcome)
				if res.Outcome == registry.OutcomeScript && res.Script != "" {
					_, err = io.WriteString(out, res.Script)
				}
				return err
			})
		},
	}
}

func (a *app) newLogsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent event log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := eventlog.ReadTail(a.config().EventLogPath, n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput() {
				return printJSON(out, entries)
			}
			for _, e := range entries {
				fmt.Fprintln(out, e.String())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 50, "number of entries")
	return cmd
}
