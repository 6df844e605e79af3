package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aristath/controlplane/internal/orchestrator"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func renderStatus(w io.Writer, st orchestrator.SystemStatus) {
	fmt.Fprintf(w, "Health: %s (checked %s)\n", st.Health.Status, formatTime(st.Health.CheckedAt))
	m := st.Metrics
	fmt.Fprintf(w, "Projects: %d active, %d completed, %d failed of %d\n",
		m.ActiveProjects, m.CompletedProjects, m.FailedProjects, m.TotalProjects)
	fmt.Fprintf(w, "Tasks: %d active, %d completed, %d failed  load %.2f\n",
		m.ActiveTasks, m.CompletedTasks, m.FailedTasks, m.SystemLoad)
	if st.DroppedEvents > 0 {
		fmt.Fprintf(w, "Dropped events: %d\n", st.DroppedEvents)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Service", "State", "Health", "Restarts", "Started", "Last Error"})
	for _, s := range st.Services {
		health := "-"
		if h, ok := st.Health.Services[s.Name]; ok {
			health = string(h.Status)
		}
		tw.AppendRow(table.Row{s.Name, s.State, health, s.Restarts, formatTime(s.StartedAt), s.LastError})
	}
	tw.Render()

	if len(st.Alerts) == 0 {
		return
	}
	fmt.Fprintln(w, "Recent alerts:")
	renderAlerts(w, st.Alerts)
}

func renderAlerts(w io.Writer, alerts []orchestrator.Alert) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Level", "Source", "Message"})
	for _, a := range alerts {
		tw.AppendRow(table.Row{formatTime(a.Timestamp), a.Level, a.Source, a.Message})
	}
	tw.Render()
}

func renderProject(w io.Writer, st orchestrator.ProjectStatus) {
	p := st.Project
	if p == nil {
		return
	}
	fmt.Fprintf(w, "Project: %s (%s)\n", p.ID, p.Status)
	if p.Requirements.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", p.Requirements.Description)
	}
	if p.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", p.Error)
	}
	if len(st.Assignments) == 0 {
		fmt.Fprintln(w, "No assignments yet.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Task", "Agent", "Status", "Score", "Quality", "Assigned"})
	for _, a := range st.Assignments {
		quality := "-"
		if a.Quality > 0 {
			quality = fmt.Sprintf("%.2f", a.Quality)
		}
		tw.AppendRow(table.Row{a.TaskID, a.AgentID, a.Status, fmt.Sprintf("%.2f", a.Score), quality, formatTime(a.AssignedAt)})
	}
	tw.Render()
}

func renderService(w io.Writer, info orchestrator.ServiceInfo) {
	fmt.Fprintf(w, "Service: %s (%s)\n", info.Name, info.State)
	if len(info.Dependencies) > 0 {
		fmt.Fprintf(w, "Depends on: %s\n", strings.Join(info.Dependencies, ", "))
	}
	fmt.Fprintf(w, "Started: %s  Restarts: %d\n", formatTime(info.StartedAt), info.Restarts)
	if info.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", info.LastError)
	}
	if info.Health != nil {
		fmt.Fprintf(w, "Health: %s", info.Health.Status)
		if info.Health.Message != "" {
			fmt.Fprintf(w, " (%s)", info.Health.Message)
		}
		fmt.Fprintln(w)
	}
	if len(info.Metrics) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	for _, k := range slices.Sorted(maps.Keys(info.Metrics)) {
		tw.AppendRow(table.Row{k, fmt.Sprint(info.Metrics[k])})
	}
	tw.Render()
}
