package crash

import "fmt"

// Script holds the KerboScript the controller sends.
type Script struct {
	// Status prints ALT, APO, PER, VS, SPD (orbital speed), PITCH (degrees
	// above the horizon), UPANG and RADANG (angle from facing to each escape
	// vector), STAGEDV, DV and STAGE, one KEY:VALUE per line.
	Status string

	// SteerSurface points straight away from the body.
	SteerSurface string

	// SteerOrbit points radially outward in the orbital plane.
	SteerOrbit string

	// Throttle is a format string taking the throttle fraction.
	Throttle string

	Stage  string
	Unlock string
}

// DefaultScript returns the stock command templates.
func DefaultScript() Script {
	return Script{
		Status: `PRINT "ALT:" + SHIP:ALTITUDE. ` +
			`PRINT "APO:" + SHIP:APOAPSIS. ` +
			`PRINT "PER:" + SHIP:PERIAPSIS. ` +
			`PRINT "VS:" + SHIP:VERTICALSPEED. ` +
			`PRINT "SPD:" + SHIP:VELOCITY:ORBIT:MAG. ` +
			`PRINT "PITCH:" + (90 - VANG(SHIP:FACING:VECTOR, SHIP:UP:VECTOR)). ` +
			`PRINT "UPANG:" + VANG(SHIP:FACING:VECTOR, SHIP:UP:VECTOR). ` +
			`PRINT "RADANG:" + VANG(SHIP:FACING:VECTOR, VXCL(SHIP:VELOCITY:ORBIT, -SHIP:BODY:POSITION)). ` +
			`PRINT "STAGEDV:" + SHIP:STAGEDELTAV(SHIP:STAGENUM):CURRENT. ` +
			`PRINT "DV:" + SHIP:DELTAV:CURRENT. ` +
			`PRINT "STAGE:" + SHIP:STAGENUM.`,
		SteerSurface: `SAS OFF. LOCK STEERING TO SHIP:UP:VECTOR.`,
		SteerOrbit:   `SAS OFF. LOCK STEERING TO VXCL(SHIP:VELOCITY:ORBIT, -SHIP:BODY:POSITION).`,
		Throttle:     `LOCK THROTTLE TO %.3f.`,
		Stage:        `STAGE.`,
		Unlock:       `UNLOCK STEERING. UNLOCK THROTTLE. SET SHIP:CONTROL:PILOTMAINTHROTTLE TO 0.`,
	}
}

func (s Script) throttle(v float64) string {
	return fmt.Sprintf(s.Throttle, v)
}

func (s Script) steer(m Mode) string {
	if m == ModeOrbit {
		return s.SteerOrbit
	}
	return s.SteerSurface
}
