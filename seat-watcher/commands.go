package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cinema-seathold/seatclient"
)

type commandKind int

const (
	cmdSelect commandKind = iota + 1
	cmdDeselect
	cmdView
	cmdQuit
	cmdHelp
)

type command struct {
	kind      commandKind
	ticketIDs []int64
}

var errEmptyCommand = errors.New("empty command")

// parseCommand reads one stdin line: select <ids...>, deselect <ids...>, view, help or quit.
// Ids may be separated by spaces or commas.
func parseCommand(line string) (command, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == '\t' || r == ',' })
	if len(fields) == 0 {
		return command{}, errEmptyCommand
	}

	switch strings.ToLower(fields[0]) {
	case "select", "s":
		ids, err := parseIDs(fields[1:])
		return command{kind: cmdSelect, ticketIDs: ids}, err
	case "deselect", "d":
		ids, err := parseIDs(fields[1:])
		return command{kind: cmdDeselect, ticketIDs: ids}, err
	case "view", "v":
		return command{kind: cmdView}, nil
	case "help", "h", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "q", "exit":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", fields[0])
}

func parseIDs(fields []string) ([]int64, error) {
	if len(fields) == 0 {
		return nil, errors.New("at least one ticket id is required")
	}
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid ticket id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// printView writes the held tickets grouped by user, marking the local user.
func printView(w io.Writer, v seatclient.View, self int64) {
	users := v.Users()
	if len(users) == 0 {
		fmt.Fprintln(w, "no tickets held")
		return
	}
	fmt.Fprintf(w, "held tickets: %s\n", joinIDs(v.Held()))
	for _, userID := range users {
		marker := ""
		if userID == self {
			marker = " (you)"
		}
		fmt.Fprintf(w, "  user %d%s: %s\n", userID, marker, joinIDs(v.TicketsOf(userID)))
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

const helpText = `commands:
  select <ticket ids...>    hold tickets
  deselect <ticket ids...>  release tickets
  view                      print the current holds
  quit                      close the session and exit`
