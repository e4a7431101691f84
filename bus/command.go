package bus

import (
	"encoding/json"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
)

// CommandSyncLiveDataSensors announces the sensors a live data instance has
// subscribers for.
const CommandSyncLiveDataSensors = "synclivedatasensors"

// Command is the router command envelope.
type Command struct {
	Cmd       string          `json:"cmd"`
	Arguments json.RawMessage `json:"arguments"`
}

// SyncLiveDataSensors is the argument of CommandSyncLiveDataSensors.
type SyncLiveDataSensors struct {
	Target  string             `json:"target"`
	Sensors []message.SensorID `json:"sensors"`
}

// NewCommand builds a command envelope.
func NewCommand(cmd string, arguments any) ([]byte, error) {
	args, err := json.Marshal(arguments)
	if err != nil {
		return nil, errors.WrapInvalid(err, "bus", "NewCommand", "marshal arguments")
	}
	return json.Marshal(Command{Cmd: cmd, Arguments: args})
}

// ParseCommand decodes a command envelope.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, errors.WrapInvalid(err, "bus", "ParseCommand", "unmarshal envelope")
	}
	if cmd.Cmd == "" {
		return Command{}, errors.WrapInvalid(errors.ErrInvalidData, "bus", "ParseCommand", "check cmd")
	}
	return cmd, nil
}
