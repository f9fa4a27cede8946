package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/filify/internal/domain"
	apiclient "github.com/splax/filify/pkg/api/client"
)

func deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deploy", "d"},
		Short:   "List, inspect and control deployments",
	}
	cmd.AddCommand(listCmd(), getCmd(), createCmd(), cancelCmd(), failCmd(), retryCmd())
	return cmd
}

func listCmd() *cobra.Command {
	var statuses, project string
	var limit int
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.DeploymentFilter{ProjectID: strings.TrimSpace(project), Limit: limit}
			if statuses != "" {
				for _, raw := range strings.Split(statuses, ",") {
					status, err := domain.ParseStatus(raw)
					if err != nil {
						return err
					}
					filter.Statuses = append(filter.Statuses, status)
				}
			}
			client, err := recordClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			deployments, err := client.ListDeployments(ctx, filter)
			if err != nil {
				return err
			}
			printTable(cmd.OutOrStdout(), styles(), deployments)
			return nil
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&project, "project", "", "project identifier")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of deployments")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := recordClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			d, err := client.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			printDetail(cmd.OutOrStdout(), styles(), *d)
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	var input apiclient.CreateDeploymentInput
	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Start a manual deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := recordClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			d, err := client.CreateDeployment(ctx, args[0], input)
			if err != nil {
				return err
			}
			p := styles()
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s created %s\n", d.ID, p.badge(d.Status))
			return nil
		},
	}
	cmd.Flags().BoolVar(&input.ResumeFromPrevious, "resume", false, "resume from the previous deployment's finished stages")
	cmd.Flags().StringVar(&input.CommitRef, "commit", "", "commit reference")
	cmd.Flags().StringVar(&input.CommitMessage, "message", "", "commit message")
	cmd.Flags().StringVar(&input.ArtifactRef, "artifact", "", "existing build output (s3://bucket/key) to skip the build")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := recordClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := client.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			msg := "deployment cancelled"
			if res.Killed {
				msg += "; running build stopped"
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func failCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <deployment-id> <message>",
		Short: "Mark a deployment failed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := recordClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			d, err := client.MarkFailed(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployment %s %s\n", d.ID, styles().badge(d.Status))
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <deployment-id>",
		Short: "Ask the finalizer to retry a deployment now, skipping any cooldown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := finalizerClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := client.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "retry started; approve the transaction in your wallet")
			return nil
		},
	}
}

func printTable(w io.Writer, p palette, deployments []domain.Deployment) {
	if len(deployments) == 0 {
		fmt.Fprintln(w, p.dim.Render("no deployments"))
		return
	}
	fmt.Fprintln(w, p.header.Render(fmt.Sprintf("%-36s  %-22s  %-10s  %-9s  %s", "ID", "STATUS", "COMMIT", "TRIGGER", "UPDATED")))
	for _, d := range deployments {
		fmt.Fprintf(w, "%-36s  %s  %-10s  %-9s  %s\n",
			d.ID, p.badge(d.Status), shortRef(d.CommitRef), d.TriggeredBy, d.UpdatedAt.Local().Format(time.DateTime))
	}
}

func printDetail(w io.Writer, p palette, d domain.Deployment) {
	row := func(label, value string) {
		if value == "" {
			value = p.dim.Render("-")
		}
		fmt.Fprintf(w, "%-16s %s\n", label, value)
	}
	row("id", d.ID)
	row("project", d.ProjectID)
	row("status", p.badge(d.Status))
	row("triggered by", string(d.TriggeredBy))
	row("commit", d.CommitRef)
	row("message", d.CommitMessage)
	row("artifact", d.ArtifactRef)
	row("content", d.ContentAddress)
	row("naming tx", d.NamingTxRef)
	if d.ErrorMessage != "" {
		row("error", p.failure.Render(d.ErrorMessage))
	}
	row("created", d.CreatedAt.Local().Format(time.DateTime))
	if d.CompletedAt != nil {
		row("completed", d.CompletedAt.Local().Format(time.DateTime))
	}
}

func shortRef(ref string) string {
	if len(ref) > 10 {
		return ref[:10]
	}
	return ref
}
