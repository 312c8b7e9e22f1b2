// Package registry holds the control-table map shared by Protocol 2.0
// X-series devices and the model number table the discovery sweep consults.
package registry

import "fmt"

// Access describes whether an item is read-only or read-write.
type Access uint8

const (
	R Access = iota
	RW
)

// Item is one control-table entry: a named register with an address, a byte
// width and an access mode. Multi-byte items are little-endian on the wire.
type Item struct {
	Name    string
	Address uint16
	Width   int
	Access  Access
}

// Indirect addressing geometry. Each address slot is a two-byte register
// holding the aliased address; each data slot is the one-byte mirror.
const (
	MaxIndirect         = 20
	IndirectAddressBase = 168
	IndirectDataBase    = 224

	// IndirectUnmapped is written into an address slot to clear it.
	IndirectUnmapped = 0xFFFF
)

// IndirectAddressSlot returns the control-table address of address slot i.
func IndirectAddressSlot(i int) uint16 {
	return IndirectAddressBase + uint16(2*i)
}

// IndirectDataSlot returns the control-table address of data slot i.
func IndirectDataSlot(i int) uint16 {
	return IndirectDataBase + uint16(i)
}

var items = map[string]Item{}

func register(name string, address uint16, width int, access Access) {
	items[name] = Item{Name: name, Address: address, Width: width, Access: access}
}

func init() {
	// EEPROM area
	register("MODEL_NUMBER", 0, 2, R)
	register("MODEL_INFORMATION", 2, 4, R)
	register("FIRMWARE_VERSION", 6, 1, R)
	register("ID", 7, 1, RW)
	register("BAUD_RATE", 8, 1, RW)
	register("RETURN_DELAY_TIME", 9, 1, RW)
	register("DRIVE_MODE", 10, 1, RW)
	register("OPERATING_MODE", 11, 1, RW)
	register("SECONDARY_ID", 12, 1, RW)
	register("PROTOCOL_TYPE", 13, 1, RW)
	register("HOMING_OFFSET", 20, 4, RW)
	register("MOVING_THRESHOLD", 24, 4, RW)
	register("TEMPERATURE_LIMIT", 31, 1, RW)
	register("MAX_VOLTAGE_LIMIT", 32, 2, RW)
	register("MIN_VOLTAGE_LIMIT", 34, 2, RW)
	register("PWM_LIMIT", 36, 2, RW)
	register("CURRENT_LIMIT", 38, 2, RW)
	register("VELOCITY_LIMIT", 44, 4, RW)
	register("MAX_POSITION_LIMIT", 48, 4, RW)
	register("MIN_POSITION_LIMIT", 52, 4, RW)
	register("SHUTDOWN", 63, 1, RW)

	// RAM area
	register("TORQUE_ENABLE", 64, 1, RW)
	register("LED", 65, 1, RW)
	register("STATUS_RETURN_LEVEL", 68, 1, RW)
	register("REGISTERED_INSTRUCTION", 69, 1, R)
	register("HARDWARE_ERROR_STATUS", 70, 1, R)
	register("VELOCITY_I_GAIN", 76, 2, RW)
	register("VELOCITY_P_GAIN", 78, 2, RW)
	register("POSITION_D_GAIN", 80, 2, RW)
	register("POSITION_I_GAIN", 82, 2, RW)
	register("POSITION_P_GAIN", 84, 2, RW)
	register("FEEDFORWARD_2ND_GAIN", 88, 2, RW)
	register("FEEDFORWARD_1ST_GAIN", 90, 2, RW)
	register("BUS_WATCHDOG", 98, 1, RW)
	register("GOAL_PWM", 100, 2, RW)
	register("GOAL_CURRENT", 102, 2, RW)
	register("GOAL_VELOCITY", 104, 4, RW)
	register("PROFILE_ACCELERATION", 108, 4, RW)
	register("PROFILE_VELOCITY", 112, 4, RW)
	register("GOAL_POSITION", 116, 4, RW)
	register("REALTIME_TICK", 120, 2, R)
	register("MOVING", 122, 1, R)
	register("MOVING_STATUS", 123, 1, R)
	register("PRESENT_PWM", 124, 2, R)
	register("PRESENT_CURRENT", 126, 2, R)
	register("PRESENT_VELOCITY", 128, 4, R)
	register("PRESENT_POSITION", 132, 4, R)
	register("VELOCITY_TRAJECTORY", 136, 4, R)
	register("POSITION_TRAJECTORY", 140, 4, R)
	register("PRESENT_INPUT_VOLTAGE", 144, 2, R)
	register("PRESENT_TEMPERATURE", 146, 1, R)
}

// Lookup resolves an item by name.
func Lookup(name string) (Item, bool) {
	item, ok := items[name]
	return item, ok
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) Item {
	item, ok := items[name]
	if !ok {
		panic(fmt.Sprintf("registry: unknown control table item %q", name))
	}
	return item
}

// Names returns every registered item name. Order is unspecified.
func Names() []string {
	out := make([]string, 0, len(items))
	for name := range items {
		out = append(out, name)
	}
	return out
}

var modelNames = map[uint16]string{
	30:   "MX-28",
	310:  "MX-64",
	320:  "MX-106",
	350:  "XL320",
	1000: "XH430-W350",
	1010: "XH430-W210",
	1020: "XM430-W350",
	1030: "XM430-W210",
	1040: "XH430-V350",
	1050: "XH430-V210",
	1060: "XL430-W250",
	1070: "XC430-W150",
	1080: "XC430-W240",
	1090: "2XL430-W250",
	1100: "XC330-T181",
	1110: "2XC430-W250",
	1120: "XM540-W270",
	1130: "XM540-W150",
	1150: "XH540-W270",
	1160: "XH540-W150",
	1190: "XL330-M077",
	1200: "XL330-M288",
	1230: "XC330-M181",
	1240: "XC330-M288",
}

// ModelName resolves a model number to its marketing name, or "UNKNOWN".
func ModelName(modelNumber uint16) string {
	if name, ok := modelNames[modelNumber]; ok {
		return name
	}
	return "UNKNOWN"
}
