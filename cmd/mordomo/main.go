package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
)

var (
	app       = kingpin.New("mordomo", "Natural language command assistant")
	serverURL = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("MORDOMO_SERVER").String()

	// Command submission
	sendCmd  = app.Command("send", "Send a command phrase to the assistant")
	sendText = sendCmd.Arg("text", "Command text, e.g. \"listar arquivos /tmp\"").Required().Strings()

	// Task commands
	tasksCmd   = app.Command("tasks", "List tasks")
	tasksSkill = tasksCmd.Flag("skill", "Filter by skill name").String()
	tasksState = tasksCmd.Flag("state", "Filter by task state").String()

	taskCmd = app.Command("task", "Show task details")
	taskID  = taskCmd.Arg("id", "Task ID").Required().String()

	confirmCmd  = app.Command("confirm", "Approve a task awaiting confirmation")
	confirmID   = confirmCmd.Arg("id", "Task ID").Required().String()
	confirmDeny = confirmCmd.Flag("deny", "Deny instead of approve").Bool()

	cancelCmd = app.Command("cancel", "Cancel a pending or running task")
	cancelID  = cancelCmd.Arg("id", "Task ID").Required().String()

	// Introspection
	skillsCmd = app.Command("skills", "List registered skills and their triggers")

	statsCmd    = app.Command("stats", "Show execution statistics")
	statsWindow = statsCmd.Flag("window", "Aggregation window, e.g. 24h").Default("24h").Duration()

	auditCmd    = app.Command("audit", "Show audit records")
	auditTaskID = auditCmd.Flag("task", "Filter by task ID").String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	c := newClient(*serverURL)

	var err error
	switch command {
	case sendCmd.FullCommand():
		err = c.send(*sendText)
	case tasksCmd.FullCommand():
		err = c.listTasks(*tasksSkill, *tasksState)
	case taskCmd.FullCommand():
		err = c.showTask(*taskID)
	case confirmCmd.FullCommand():
		err = c.confirm(*confirmID, !*confirmDeny)
	case cancelCmd.FullCommand():
		err = c.cancel(*cancelID)
	case skillsCmd.FullCommand():
		err = c.listSkills()
	case statsCmd.FullCommand():
		err = c.stats(*statsWindow)
	case auditCmd.FullCommand():
		err = c.audit(*auditTaskID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
