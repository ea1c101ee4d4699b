package messages

// Chiavi del payload pubblicato dal wearable sul topic acelerometro_ejex.
const (
	FieldAxisX    = "acelerometro_ejex"
	FieldAxisY    = "acelerometro_ejey"
	FieldAxisZ    = "acelerometro_ejez"
	FieldDatetime = "datetime"
	FieldID       = "id"
)

// FallDescription is the fixed text sent to the monitor for every detected fall.
const FallDescription = "fall detected"

// ParsedReading is the raw field -> value mapping decoded from one message.
// Values are kept as strings; conversion happens downstream.
type ParsedReading map[string]string

// AccelerometerReading is the typed record a ParsedReading is validated into.
type AccelerometerReading struct {
	X        float64
	Y        float64
	Z        float64
	Datetime string
	ID       string
}

// FallEvent is produced when one axis is outside its threshold.
type FallEvent struct {
	Description string
	Datetime    string
	ID          string
	Axis        string  // axis the fall was attributed to: x, y or z
	Value       float64 // reading on that axis
}
