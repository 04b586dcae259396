package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jqknono/general-settings-ui/internal/replica"
)

// edit is one scripted form action, written as verb:argument.
//
//	set:/name=alice      type into the input at /name
//	unset:/port          clear the input at /port
//	add:/servers         append an item
//	remove:/servers=1    remove item 1
//	move:/servers=2,0    move item 2 to index 0
//	entry:/env=HOME      add a map entry
//	drop:/env=HOME       remove a map entry
//	key:/env=HOME,USER   rename a map key
//	variant:/output=1    select union variant 1
//	schema:URL           bind the form to a schema
type edit struct {
	verb string
	ptr  string
	args []string
}

func parseEdit(s string) (edit, error) {
	verb, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return edit{}, fmt.Errorf("edit %q: want verb:argument", s)
	}
	e := edit{verb: verb}
	if verb == "schema" {
		e.args = []string{rest}
		return e, nil
	}
	ptr, arg, hasArg := strings.Cut(rest, "=")
	e.ptr = ptr
	switch verb {
	case "set":
		if !hasArg {
			return edit{}, fmt.Errorf("edit %q: set needs =value", s)
		}
		e.args = []string{arg}
	case "unset", "add":
		if hasArg {
			return edit{}, fmt.Errorf("edit %q: %s takes no value", s, verb)
		}
	case "remove", "entry", "drop", "variant":
		if !hasArg {
			return edit{}, fmt.Errorf("edit %q: %s needs =value", s, verb)
		}
		e.args = []string{arg}
	case "move", "key":
		parts := strings.Split(arg, ",")
		if !hasArg || len(parts) != 2 {
			return edit{}, fmt.Errorf("edit %q: %s needs =a,b", s, verb)
		}
		e.args = parts
	default:
		return edit{}, fmt.Errorf("edit %q: unknown verb %q", s, verb)
	}
	return e, nil
}

func (e edit) apply(r *replica.Replica) error {
	switch e.verb {
	case "set":
		return r.SetText(e.ptr, e.args[0])
	case "unset":
		return r.Unset(e.ptr)
	case "add":
		_, err := r.AddItem(e.ptr)
		return err
	case "remove":
		i, err := strconv.Atoi(e.args[0])
		if err != nil {
			return err
		}
		return r.RemoveItem(e.ptr, i)
	case "move":
		from, err := strconv.Atoi(e.args[0])
		if err != nil {
			return err
		}
		to, err := strconv.Atoi(e.args[1])
		if err != nil {
			return err
		}
		return r.MoveItem(e.ptr, from, to)
	case "entry":
		_, err := r.AddEntry(e.ptr, e.args[0])
		return err
	case "drop":
		return r.RemoveEntry(e.ptr, e.args[0])
	case "key":
		return r.RenameKey(e.ptr, e.args[0], e.args[1])
	case "variant":
		i, err := strconv.Atoi(e.args[0])
		if err != nil {
			return err
		}
		return r.SelectVariant(e.ptr, i)
	case "schema":
		return r.RequestSchema(e.args[0])
	}
	return fmt.Errorf("unknown verb %q", e.verb)
}
