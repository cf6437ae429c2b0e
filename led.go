package canopen

// LEDBit is one semantic bit of the red/green indicator bitfields, CiA
// 303-3 §3.1.
type LEDBit uint8

const (
	LEDFlicker LEDBit = 0x01 // 10 Hz flicker
	LEDBlink   LEDBit = 0x02 // 2.5 Hz blink
	LEDFlash1  LEDBit = 0x04 // single flash
	LEDFlash2  LEDBit = 0x08 // double flash
	LEDFlash3  LEDBit = 0x10 // triple flash
	LEDFlash4  LEDBit = 0x20 // quadruple flash
	LEDCANopen LEDBit = 0x80 // CiA 303-3 CANopen-status composite bit
)

// LEDs is a pure function-of-time indicator state machine: fed the current
// NMT/LSS/error flags every call, it advances a 50ms tick and derives the
// CiA 303-3 red (ERROR) and green (RUN) bit patterns. It holds no CAN or OD
// state of its own.
type LEDs struct {
	red, green byte

	timer50ms  uint32
	timer200ms uint8
	flash1     uint8
	flash2     uint8
	flash3     uint8
	flash4     uint8
}

// Red returns the current red-LED bitfield.
func (l *LEDs) Red() byte { return l.red }

// Green returns the current green-LED bitfield.
func (l *LEDs) Green() byte { return l.green }

// RedOn reports whether bit is currently set in the red LED's pattern.
func (l *LEDs) RedOn(bit LEDBit) bool { return l.red&byte(bit) != 0 }

// GreenOn reports whether bit is currently set in the green LED's pattern.
func (l *LEDs) GreenOn(bit LEDBit) bool { return l.green&byte(bit) != 0 }

// Process advances the LED state machine by timeDifferenceUs and recomputes
// the red/green patterns from the supplied flags, reproducing CO_LEDs.c's
// 50ms tick and per-flash-rate tables bit for bit.
func (l *LEDs) Process(
	timeDifferenceUs uint32,
	nmtState NMTState,
	lssConfig bool,
	firmwareDownload bool,
	errCANBusOff bool,
	errCANBusWarn bool,
	errRPDO bool,
	errSync bool,
	errHBConsumer bool,
	errOther bool,
	timerNextUs *uint32,
) {
	var rd, gr byte
	tick := false

	l.timer50ms += timeDifferenceUs
	for l.timer50ms >= 50000 {
		rdFlickerNext := l.red&byte(LEDFlicker) == 0
		tick = true
		l.timer50ms -= 50000

		l.timer200ms++
		if l.timer200ms > 3 {
			l.timer200ms = 0
			rd, gr = 0, 0

			if l.red&byte(LEDBlink) == 0 {
				rd |= byte(LEDBlink)
			} else {
				gr |= byte(LEDBlink)
			}

			l.flash1++
			switch l.flash1 {
			case 1:
				rd |= byte(LEDFlash1)
			case 2:
				gr |= byte(LEDFlash1)
			case 6:
				l.flash1 = 0
			}

			l.flash2++
			switch l.flash2 {
			case 1, 3:
				rd |= byte(LEDFlash2)
			case 2, 4:
				gr |= byte(LEDFlash2)
			case 8:
				l.flash2 = 0
			}

			l.flash3++
			switch l.flash3 {
			case 1, 3, 5:
				rd |= byte(LEDFlash3)
			case 2, 4, 6:
				gr |= byte(LEDFlash3)
			case 10:
				l.flash3 = 0
			}

			l.flash4++
			switch l.flash4 {
			case 1, 3, 5, 7:
				rd |= byte(LEDFlash4)
			case 2, 4, 6, 8:
				gr |= byte(LEDFlash4)
			case 12:
				l.flash4 = 0
			}
		} else {
			rd = l.red & (0xFF ^ (byte(LEDFlicker) | byte(LEDCANopen)))
			gr = l.green & (0xFF ^ (byte(LEDFlicker) | byte(LEDCANopen)))
		}

		if rdFlickerNext {
			rd |= byte(LEDFlicker)
		} else {
			gr |= byte(LEDFlicker)
		}
	}

	if tick {
		var rdCO, grCO byte
		switch {
		case errCANBusOff:
			rdCO = 1
		case nmtState == NMTInitializing:
			rdCO = rd & byte(LEDFlicker)
		case errRPDO:
			rdCO = rd & byte(LEDFlash4)
		case errSync:
			rdCO = rd & byte(LEDFlash3)
		case errHBConsumer:
			rdCO = rd & byte(LEDFlash2)
		case errCANBusWarn:
			rdCO = rd & byte(LEDFlash1)
		case errOther:
			rdCO = rd & byte(LEDBlink)
		default:
			rdCO = 0
		}

		switch {
		case lssConfig:
			grCO = gr & byte(LEDFlicker)
		case firmwareDownload:
			grCO = gr & byte(LEDFlash3)
		case nmtState == NMTStopped:
			grCO = gr & byte(LEDFlash1)
		case nmtState == NMTPreOperational:
			grCO = gr & byte(LEDBlink)
		case nmtState == NMTOperational:
			grCO = 1
		default:
			grCO = 0
		}

		if rdCO != 0 {
			rd |= byte(LEDCANopen)
		}
		if grCO != 0 {
			gr |= byte(LEDCANopen)
		}
		l.red = rd
		l.green = gr
	}

	if timerNextUs != nil {
		if diff := uint32(50000) - l.timer50ms; *timerNextUs > diff {
			*timerNextUs = diff
		}
	}
}
