package pagelog

func setFlag(b, flag uint16) uint16   { return b | flag }
func clearFlag(b, flag uint16) uint16 { return b &^ flag }
func hasFlag(b, flag uint16) bool     { return b&flag != 0 }
