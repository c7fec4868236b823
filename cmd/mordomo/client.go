package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mfigueira/mordomo/internal/audit"
	"github.com/mfigueira/mordomo/internal/server"
	"github.com/mfigueira/mordomo/internal/skill"
	"github.com/mfigueira/mordomo/internal/task"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the server running?): %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) send(words []string) error {
	text := strings.Join(words, " ")
	var res server.CommandResponse
	if err := c.do(http.MethodPost, "/api/commands", map[string]string{"text": text}, &res); err != nil {
		return err
	}
	switch {
	case res.Task != nil:
		printTask(res.Task)
		if res.Task.State == task.StateAwaitingConfirmation {
			fmt.Printf("\nRun %s to proceed.\n", color.CyanString("mordomo confirm %s", res.Task.ID))
		}
	case res.Message != "":
		fmt.Println(res.Message)
	case res.Feedback != "":
		color.Yellow("%s", res.Feedback)
	}
	return nil
}

func (c *client) listTasks(skillName, state string) error {
	q := url.Values{}
	if skillName != "" {
		q.Set("skill", skillName)
	}
	if state != "" {
		q.Set("state", state)
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []*task.Task
	if err := c.do(http.MethodGet, path, nil, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  %s  %s/%s  %q\n", t.ID, stateColor(t.State), t.Command.Skill, t.Command.Action, t.Command.Raw)
	}
	return nil
}

func (c *client) showTask(id string) error {
	var t task.Task
	if err := c.do(http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func (c *client) confirm(id string, approve bool) error {
	var t task.Task
	body := map[string]bool{"approve": approve}
	if err := c.do(http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/confirm", body, &t); err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func (c *client) cancel(id string) error {
	var t task.Task
	if err := c.do(http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", struct{}{}, &t); err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func (c *client) listSkills() error {
	var defs []skill.Definition
	if err := c.do(http.MethodGet, "/api/skills", nil, &defs); err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Println("No skills registered.")
		return nil
	}
	for _, d := range defs {
		fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(d.Name), d.Version)
		for _, a := range d.Actions {
			fmt.Printf("  %s: %s\n", a.Name, strings.Join(a.Triggers, ", "))
		}
	}
	return nil
}

func (c *client) stats(window time.Duration) error {
	var s audit.Snapshot
	path := "/api/stats?window=" + url.QueryEscape(window.String())
	if err := c.do(http.MethodGet, path, nil, &s); err != nil {
		return err
	}
	fmt.Printf("Window:       %s\n", s.Window)
	fmt.Printf("Tasks:        %d\n", s.Tasks)
	fmt.Printf("Succeeded:    %s\n", color.GreenString("%d", s.Succeeded))
	fmt.Printf("Failed:       %s\n", color.RedString("%d", s.Failed))
	fmt.Printf("Blocked:      %s\n", color.YellowString("%d", s.Blocked))
	fmt.Printf("Success rate: %.1f%%\n", s.SuccessRate*100)
	if len(s.BySkill) > 0 {
		fmt.Println("By skill:")
		for name, count := range s.BySkill {
			fmt.Printf("  %s: %d\n", name, count)
		}
	}
	return nil
}

func (c *client) audit(taskID string) error {
	path := "/api/audit"
	if taskID != "" {
		path += "?task_id=" + url.QueryEscape(taskID)
	}
	var records []*audit.Record
	if err := c.do(http.MethodGet, path, nil, &records); err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %s  %s", r.Timestamp.Format(time.RFC3339), r.TaskID, stateColor(task.State(r.State)))
		if r.Reason != "" {
			line += "  " + r.Reason
		}
		if r.Detail != "" {
			line += "  " + r.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func printTask(t *task.Task) {
	fmt.Printf("Task:    %s\n", t.ID)
	fmt.Printf("Command: %q -> %s/%s\n", t.Command.Raw, t.Command.Skill, t.Command.Action)
	if len(t.Command.Params) > 0 {
		fmt.Printf("Params:  %v\n", t.Command.Params)
	}
	fmt.Printf("State:   %s\n", stateColor(t.State))
	if t.Reason != "" {
		fmt.Printf("Reason:  %s\n", t.Reason)
	}
	if t.Detail != "" {
		fmt.Printf("Detail:  %s\n", t.Detail)
	}
	if t.Result != nil && t.Result.Value != nil {
		data, err := json.MarshalIndent(t.Result.Value, "", "  ")
		if err == nil {
			fmt.Printf("Result:  %s\n", data)
		}
	}
}

func stateColor(s task.State) string {
	switch s {
	case task.StateSucceeded:
		return color.GreenString(string(s))
	case task.StateFailed, task.StateBlocked:
		return color.RedString(string(s))
	case task.StateRunning:
		return color.CyanString(string(s))
	case task.StateAwaitingConfirmation:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
