package maneuver

import "fmt"

// Script holds the KerboScript sent at each step. The defaults drive the
// stock SAS, kOS time warp and the MechJeb node executor exposed through the
// kOS addon; any field can be overridden for other autopilots.
type Script struct {
	// NodeInfo prints HASNODE, and when a node exists REQ (node dv), ETA,
	// AVAIL (vessel dv), STAGEDV (active stage dv) and BURN (estimated burn
	// seconds), one KEY:VALUE per line.
	NodeInfo string

	// Angle prints the angle in degrees between facing and the burn vector.
	Angle string

	PointAtNode string
	RCSOn       string

	// NodeETA prints seconds until the node.
	NodeETA string

	// WarpTo is a format string taking the lead time in seconds.
	WarpTo     string
	CancelWarp string

	// ShiftNode is a format string taking seconds to move the node earlier.
	ShiftNode string

	EnableExecutor  string
	DisableExecutor string

	// BurnStatus prints DV (remaining node dv, 0 when the node is gone) and
	// EN (whether the executor is still enabled).
	BurnStatus string

	RemoveNode string

	// InstallStaging is a format string taking the stage dv threshold. It
	// installs a trigger that stages whenever the active stage drops below
	// it, until RemoveStaging clears the flag the trigger checks.
	InstallStaging string
	RemoveStaging  string

	// Unlock releases steering and throttle locks and zeroes the throttle.
	Unlock string

	// Circularize adds a node at apoapsis raising periapsis to match, and
	// prints the node dv.
	Circularize string
}

// DefaultScript returns the stock command templates.
func DefaultScript() Script {
	return Script{
		NodeInfo: `IF HASNODE { ` +
			`PRINT "HASNODE:True". ` +
			`PRINT "REQ:" + NEXTNODE:DELTAV:MAG. ` +
			`PRINT "ETA:" + NEXTNODE:ETA. ` +
			`PRINT "AVAIL:" + SHIP:DELTAV:CURRENT. ` +
			`PRINT "STAGEDV:" + SHIP:STAGEDELTAV(SHIP:STAGENUM):CURRENT. ` +
			`IF SHIP:AVAILABLETHRUST > 0 { PRINT "BURN:" + (NEXTNODE:DELTAV:MAG * SHIP:MASS / SHIP:AVAILABLETHRUST). } ` +
			`ELSE { PRINT "BURN:0". } ` +
			`} ELSE { PRINT "HASNODE:False". }`,
		Angle:           `PRINT VANG(SHIP:FACING:VECTOR, NEXTNODE:DELTAV).`,
		PointAtNode:     `SAS ON. SET SASMODE TO "MANEUVER".`,
		RCSOn:           `RCS ON.`,
		NodeETA:         `PRINT NEXTNODE:ETA.`,
		WarpTo:          `WARPTO(TIME:SECONDS + NEXTNODE:ETA - %.1f).`,
		CancelWarp:      `KUNIVERSE:TIMEWARP:CANCELWARP().`,
		ShiftNode:       `SET NEXTNODE:ETA TO NEXTNODE:ETA - %.2f.`,
		EnableExecutor:  `SET ADDONS:MJ:NODE:ENABLED TO TRUE.`,
		DisableExecutor: `SET ADDONS:MJ:NODE:ENABLED TO FALSE.`,
		BurnStatus: `IF HASNODE { PRINT "DV:" + NEXTNODE:DELTAV:MAG. } ELSE { PRINT "DV:0". } ` +
			`PRINT "EN:" + ADDONS:MJ:NODE:ENABLED.`,
		RemoveNode: `IF HASNODE { REMOVE NEXTNODE. }`,
		InstallStaging: `SET KOSCTL_AUTOSTAGE TO TRUE. ` +
			`WHEN KOSCTL_AUTOSTAGE = FALSE OR (STAGE:READY AND SHIP:STAGEDELTAV(SHIP:STAGENUM):CURRENT < %.1f) THEN { ` +
			`IF KOSCTL_AUTOSTAGE { STAGE. } RETURN KOSCTL_AUTOSTAGE. }`,
		RemoveStaging: `SET KOSCTL_AUTOSTAGE TO FALSE.`,
		Unlock:        `UNLOCK STEERING. UNLOCK THROTTLE. SET SHIP:CONTROL:PILOTMAINTHROTTLE TO 0.`,
		Circularize: `SET KOSCTL_R TO SHIP:BODY:RADIUS + SHIP:APOAPSIS. ` +
			`SET KOSCTL_VA TO SQRT(SHIP:BODY:MU * (2 / KOSCTL_R - 1 / SHIP:ORBIT:SEMIMAJORAXIS)). ` +
			`SET KOSCTL_VC TO SQRT(SHIP:BODY:MU / KOSCTL_R). ` +
			`ADD NODE(TIME:SECONDS + ETA:APOAPSIS, 0, 0, KOSCTL_VC - KOSCTL_VA). ` +
			`PRINT NEXTNODE:DELTAV:MAG.`,
	}
}

// withDefaults fills empty fields from DefaultScript.
func (s Script) withDefaults() Script {
	d := DefaultScript()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.NodeInfo, d.NodeInfo)
	fill(&s.Angle, d.Angle)
	fill(&s.PointAtNode, d.PointAtNode)
	fill(&s.RCSOn, d.RCSOn)
	fill(&s.NodeETA, d.NodeETA)
	fill(&s.WarpTo, d.WarpTo)
	fill(&s.CancelWarp, d.CancelWarp)
	fill(&s.ShiftNode, d.ShiftNode)
	fill(&s.EnableExecutor, d.EnableExecutor)
	fill(&s.DisableExecutor, d.DisableExecutor)
	fill(&s.BurnStatus, d.BurnStatus)
	fill(&s.RemoveNode, d.RemoveNode)
	fill(&s.InstallStaging, d.InstallStaging)
	fill(&s.RemoveStaging, d.RemoveStaging)
	fill(&s.Unlock, d.Unlock)
	fill(&s.Circularize, d.Circularize)
	return s
}

func (s Script) warpTo(leadSeconds float64) string {
	return fmt.Sprintf(s.WarpTo, leadSeconds)
}

func (s Script) shiftNode(seconds float64) string {
	return fmt.Sprintf(s.ShiftNode, seconds)
}

func (s Script) installStaging(threshold float64) string {
	return fmt.Sprintf(s.InstallStaging, threshold)
}
