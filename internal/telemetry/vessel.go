package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitwright/kosctl/internal/protocol"
)

// VesselStatusScript prints the labeled block ParseVesselStatus reads.
const VesselStatusScript = `PRINT "NAME:" + SHIP:NAME. ` +
	`PRINT "BODY:" + SHIP:BODY:NAME. ` +
	`PRINT "SITUATION:" + SHIP:STATUS. ` +
	`PRINT "ALT:" + SHIP:ALTITUDE. ` +
	`PRINT "APO:" + SHIP:APOAPSIS. ` +
	`PRINT "PER:" + SHIP:PERIAPSIS. ` +
	`PRINT "VS:" + SHIP:VERTICALSPEED. ` +
	`PRINT "SPD:" + SHIP:VELOCITY:ORBIT:MAG. ` +
	`PRINT "SRF:" + SHIP:VELOCITY:SURFACE:MAG. ` +
	`PRINT "MASS:" + SHIP:MASS. ` +
	`PRINT "STAGE:" + SHIP:STAGENUM. ` +
	`PRINT "SDV:" + SHIP:STAGEDELTAV(SHIP:STAGENUM):CURRENT. ` +
	`PRINT "DV:" + SHIP:DELTAV:CURRENT. ` +
	`PRINT "HASNODE:" + HASNODE. ` +
	`IF HASNODE { PRINT "NODEETA:" + NEXTNODE:ETA. PRINT "NODEDV:" + NEXTNODE:DELTAV:MAG. }`

// VesselStatus is a snapshot of the active vessel.
type VesselStatus struct {
	Name          string  `json:"name"`
	Body          string  `json:"body"`
	Situation     string  `json:"situation"`
	Altitude      float64 `json:"altitude"`
	Apoapsis      float64 `json:"apoapsis"`
	Periapsis     float64 `json:"periapsis"`
	VerticalSpeed float64 `json:"vertical_speed"`
	OrbitalSpeed  float64 `json:"orbital_speed"`
	SurfaceSpeed  float64 `json:"surface_speed"`
	Mass          float64 `json:"mass"`
	Stage         int     `json:"stage"`
	StageDeltaV   float64 `json:"stage_delta_v"`
	TotalDeltaV   float64 `json:"total_delta_v"`
	HasNode       bool    `json:"has_node"`
	NodeETA       float64 `json:"node_eta,omitempty"`
	NodeDeltaV    float64 `json:"node_delta_v,omitempty"`
}

// ParseVesselStatus reads the output of VesselStatusScript. ALT, APO and PER
// are required; other numeric labels default to zero when absent.
func ParseVesselStatus(raw string) (VesselStatus, error) {
	l, err := ParseLabeled(raw)
	if err != nil {
		return VesselStatus{}, err
	}
	var vs VesselStatus
	for key, dst := range map[string]*float64{
		"ALT": &vs.Altitude,
		"APO": &vs.Apoapsis,
		"PER": &vs.Periapsis,
	} {
		v, err := l.Float(key)
		if err != nil {
			return VesselStatus{}, &ParseError{Want: "vessel status " + key, Raw: raw}
		}
		*dst = v
	}
	vs.Name, _ = l.String("NAME")
	vs.Body, _ = l.String("BODY")
	vs.Situation, _ = l.String("SITUATION")
	vs.VerticalSpeed = l.FloatOr("VS", 0)
	vs.OrbitalSpeed = l.FloatOr("SPD", 0)
	vs.SurfaceSpeed = l.FloatOr("SRF", 0)
	vs.Mass = l.FloatOr("MASS", 0)
	vs.Stage = int(l.FloatOr("STAGE", 0))
	vs.StageDeltaV = l.FloatOr("SDV", 0)
	vs.TotalDeltaV = l.FloatOr("DV", 0)
	vs.HasNode, _ = l.Bool("HASNODE")
	if vs.HasNode {
		vs.NodeETA = l.FloatOr("NODEETA", 0)
		vs.NodeDeltaV = l.FloatOr("NODEDV", 0)
	}
	return vs, nil
}

// QueryVesselStatus runs VesselStatusScript and parses the result.
func QueryVesselStatus(ctx context.Context, exec protocol.Executor, timeout time.Duration) (VesselStatus, error) {
	res, err := exec.Execute(ctx, VesselStatusScript, timeout)
	if err != nil {
		return VesselStatus{}, fmt.Errorf("querying vessel status: %w", err)
	}
	if !res.Success {
		return VesselStatus{}, fmt.Errorf("querying vessel status: %s", res.Error)
	}
	return ParseVesselStatus(res.Output)
}
