package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/lexsync/internal/tables"
)

func recordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and edit local rows; edits are queued for the next sync",
		Long: "Fields are key=value pairs. A relation is set either by local id\n" +
			"(matter_id=3) or by record id (matter_uuid=<uuid>).\n\nTables: " + strings.Join(tables.Names(), ", "),
	}

	add := &cobra.Command{
		Use:   "add <table> [key=value...]",
		Short: "Insert a row",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.Lookup(args[0])
			if err != nil {
				return err
			}
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			row, err := r.Insert(cmd.Context(), t.Name, fields)
			if err != nil {
				return err
			}
			return printJSON(a.out, rowView(t, row))
		},
	}

	set := &cobra.Command{
		Use:   "set <table> <id> key=value...",
		Short: "Update fields of a row (key=null removes a field)",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.Lookup(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			row, err := r.Update(cmd.Context(), t.Name, id, fields)
			if err != nil {
				return err
			}
			return printJSON(a.out, rowView(t, row))
		},
	}

	rm := &cobra.Command{
		Use:   "rm <table> <id>",
		Short: "Soft-delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			if err := r.Delete(cmd.Context(), args[0], id); err != nil {
				return err
			}
			return printJSON(a.out, map[string]any{"ok": true})
		},
	}

	get := &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Show one row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.Lookup(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			row, err := r.Get(cmd.Context(), t.Name, id)
			if err != nil {
				return err
			}
			return printJSON(a.out, rowView(t, row))
		},
	}

	var deleted bool
	ls := &cobra.Command{
		Use:   "ls <table>",
		Short: "List rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.Lookup(args[0])
			if err != nil {
				return err
			}
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := r.List(cmd.Context(), t.Name, deleted)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(rows))
			for _, row := range rows {
				out = append(out, rowView(t, row))
			}
			return printJSON(a.out, out)
		},
	}
	ls.Flags().BoolVar(&deleted, "deleted", false, "include soft-deleted rows")

	cmd.AddCommand(add, set, rm, get, ls)
	return cmd
}
