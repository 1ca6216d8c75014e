package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultEditorCommand opens a file position in VS Code.
const DefaultEditorCommand = "code --goto {file}:{line}:{column}"

// Opener shows a file position in the operator's editor.
type Opener interface {
	Open(ctx context.Context, f OpenFile) error
}

// CommandOpener runs an editor command. {file}, {line} and {column} in
// Command are replaced before the command is split on spaces.
type CommandOpener struct {
	Command string

	// run executes the command; nil runs it with os/exec.
	run func(ctx context.Context, name string, args ...string) error
}

// Open implements Opener.
func (o CommandOpener) Open(ctx context.Context, f OpenFile) error {
	argv, err := o.Args(f)
	if err != nil {
		return err
	}
	run := o.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Start()
		}
	}
	if err := run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("open %s in editor: %w", f.File, err)
	}
	return nil
}

// Args returns the command line for f.
func (o CommandOpener) Args(f OpenFile) ([]string, error) {
	if f.File == "" {
		return nil, fmt.Errorf("open-file: file is required")
	}
	line, column := f.Line, f.Column
	if line <= 0 {
		line = 1
	}
	if column <= 0 {
		column = 1
	}

	command := o.Command
	if command == "" {
		command = DefaultEditorCommand
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("open-file: empty editor command")
	}
	r := strings.NewReplacer(
		"{file}", f.File,
		"{line}", strconv.Itoa(line),
		"{column}", strconv.Itoa(column),
	)
	for i, field := range fields {
		fields[i] = r.Replace(field)
	}
	return fields, nil
}
