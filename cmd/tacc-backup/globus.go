package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/NCAR/tacc-backup/internal/model"
)

const defaultTransferLabel = "tacc-backup transfer"

func (a *app) showTask(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("task", flag.ContinueOnError)
	id := fset.String("id", "", "Globus task id")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("task: -id is required")
	}

	client, err := a.globusClient(ctx)
	if err != nil {
		return err
	}
	task, err := client.GetTask(ctx, *id)
	if err != nil {
		return err
	}
	printTask(a.out, task)
	return nil
}

// printTask shows the fields that matter for the task's type and state:
// completion time once finished, deadline and detail while running, and one
// endpoint for deletes.
func printTask(out io.Writer, task model.TaskInfo) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(label, value string) { fmt.Fprintf(tw, "%s:\t%s\n", label, value) }

	row("Label", task.Label)
	row("Task ID", task.TaskID)
	row("Is Paused", strconv.FormatBool(task.IsPaused))
	row("Type", task.Type)
	row("Directories", strconv.Itoa(task.Directories))
	row("Files", strconv.Itoa(task.Files))
	row("Status", string(task.Status))
	row("Request Time", formatTime(&task.RequestTime))

	if task.CompletionTime != nil {
		row("Completion Time", formatTime(task.CompletionTime))
	} else {
		row("Deadline", formatTime(task.Deadline))
		row("Details", task.NiceStatus)
	}

	if task.Type == model.TaskTypeDelete {
		row("Endpoint", task.SourceEndpointDisplayName)
		row("Endpoint ID", task.SourceEndpointID)
	} else {
		row("Source Endpoint", task.SourceEndpointDisplayName)
		row("Source Endpoint ID", task.SourceEndpointID)
		row("Destination Endpoint", task.DestinationEndpointDisplayName)
		row("Destination Endpoint ID", task.DestinationEndpointID)
		row("Bytes Transferred", strconv.FormatInt(task.BytesTransferred, 10))
		row("Bytes Per Second", strconv.FormatInt(task.BytesPerSecond, 10))
		row("Verify Checksum", strconv.FormatBool(task.VerifyChecksum))
	}
	tw.Flush()
}

func (a *app) listDirectory(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("ls", flag.ContinueOnError)
	endpoint := fset.String("endpoint", a.cfg.Globus.DestinationEndpoint, "endpoint ID")
	dir := fset.String("path", "", "directory on the endpoint (default: the endpoint's default directory)")
	filter := fset.String("filter", "", `name filter: "=name", "~glob", "!name" or "!~glob"`)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" {
		return errors.New("ls: -endpoint is required")
	}

	client, err := a.globusClient(ctx)
	if err != nil {
		return err
	}
	entries, err := client.ListDirectory(ctx, *endpoint, *dir, *filter)
	if err != nil {
		return err
	}
	printEntries(a.out, entries)
	return nil
}

func printEntries(out io.Writer, entries []model.DirEntry) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tGROUP\tPERMISSIONS\tSIZE\tLAST MODIFIED\tTYPE\tFILENAME")
	for _, e := range entries {
		name := e.Name
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.User, e.Group, e.Permissions, e.Size, formatTime(&e.LastModified), e.Type, name)
	}
	tw.Flush()
}

func (a *app) transfer(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("transfer", flag.ContinueOnError)
	source := fset.String("source-endpoint", a.cfg.Globus.SourceEndpoint, "source endpoint ID")
	destination := fset.String("destination-endpoint", a.cfg.Globus.DestinationEndpoint, "destination endpoint ID")
	sourceFile := fset.String("source-file", "", "source path, relative to the source endpoint")
	destFile := fset.String("destination-file", "", "destination path, relative to the destination endpoint")
	label := fset.String("label", defaultTransferLabel, "task label")
	verify := fset.Bool("verify-checksum", true, "verify checksums of transferred files")
	batch := fset.String("batch", "", `JSON file of {"files": [{"source_file", "destination_file"}]}, or "-" for stdin`)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *source == "" || *destination == "" {
		return errors.New("transfer: source and destination endpoints are required")
	}

	var items []model.TransferItem
	switch {
	case *batch != "":
		r, err := openBatch(*batch, a.in)
		if err != nil {
			return err
		}
		items, err = readTransferBatch(r)
		r.Close()
		if err != nil {
			return err
		}
	case *sourceFile != "" && *destFile != "":
		items = []model.TransferItem{{SourcePath: *sourceFile, DestinationPath: *destFile}}
	default:
		return errors.New("transfer: give -source-file and -destination-file, or -batch")
	}

	client, err := a.globusClient(ctx)
	if err != nil {
		return err
	}
	result, err := client.SubmitBatchTransfer(ctx, model.BatchTransfer{
		SourceEndpoint:      *source,
		DestinationEndpoint: *destination,
		Label:               *label,
		VerifyChecksum:      *verify,
		Items:               items,
	})
	if err != nil {
		return err
	}
	return a.reportSubmission("transfer", result)
}

func (a *app) delete(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("delete", flag.ContinueOnError)
	endpoint := fset.String("endpoint", "", "endpoint ID")
	target := fset.String("target-file", "", "file or directory to delete, relative to the endpoint")
	label := fset.String("label", "", "task label")
	recursive := fset.Bool("recursive", false, "delete directory contents")
	batch := fset.String("batch", "", `JSON array of paths, or "-" for stdin`)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" {
		return errors.New("delete: -endpoint is required")
	}

	var paths []string
	switch {
	case *batch != "":
		r, err := openBatch(*batch, a.in)
		if err != nil {
			return err
		}
		paths, err = readDeleteBatch(r)
		r.Close()
		if err != nil {
			return err
		}
	case *target != "":
		paths = []string{*target}
	default:
		return errors.New("delete: give -target-file or -batch")
	}

	client, err := a.globusClient(ctx)
	if err != nil {
		return err
	}
	result, err := client.SubmitDelete(ctx, model.DeleteRequest{
		Endpoint:  *endpoint,
		Label:     *label,
		Recursive: *recursive,
		Paths:     paths,
	})
	if err != nil {
		return err
	}
	return a.reportSubmission("delete", result)
}

func (a *app) reportSubmission(kind string, result model.SubmissionResult) error {
	if !result.Accepted() {
		return fmt.Errorf("%s not accepted: %s: %s", kind, result.Code, result.Message)
	}
	fmt.Fprintf(a.out, "%s\nTask ID: %s\n", result.Message, result.TaskID)
	return nil
}
