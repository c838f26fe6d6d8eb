package model

// CommandProcessInbox asks a node to work through queued inbox items for a
// drive.
const CommandProcessInbox = "processInbox"

// Command is something the client sends back over a push connection.
type Command struct {
	Name      string
	Drive     DriveScope
	BatchSize int
}

func ProcessInbox(drive DriveScope, batchSize int) Command {
	return Command{Name: CommandProcessInbox, Drive: drive, BatchSize: batchSize}
}
