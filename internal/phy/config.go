// Package phy keeps the per-terminal physical layer configuration shared by
// the scheduler, the control plane and the uplink feedback decoder.
package phy

import "github.com/signalsfoundry/scope-scheduler/model"

const (
	// MaxCarriers is the number of component carriers a terminal can hold.
	MaxCarriers = 5
	// TTIModSize is the depth of the pending acknowledgement ring.
	TTIModSize = 20
	// FDDNofHARQ is the number of uplink HARQ processes per carrier.
	FDDNofHARQ = 8
	// MaxCodewords is the number of transport blocks per grant.
	MaxCodewords = 2
)

// Default PUCCH detection thresholds.
const (
	DefaultThresholdFormat1  = 0.5
	DefaultThresholdFormat1A = 0.5
	DefaultThresholdFormat2  = 0.5
	DefaultThresholdDMRS     = 0.4
)

// CellState is the activation state of one terminal carrier.
type CellState int

const (
	CellNone CellState = iota
	CellPrimary
	CellSecondaryInactive
	CellSecondaryActive
)

func (s CellState) String() string {
	switch s {
	case CellPrimary:
		return "primary"
	case CellSecondaryInactive:
		return "secondary_inactive"
	case CellSecondaryActive:
		return "secondary_active"
	default:
		return "none"
	}
}

func (s CellState) active() bool {
	return s == CellPrimary || s == CellSecondaryActive
}

// AckFeedbackMode selects how multi-carrier acknowledgements are multiplexed
// on PUCCH.
type AckFeedbackMode int

const (
	AckFeedbackNormal AckFeedbackMode = iota
	AckFeedbackChannelSelection
	AckFeedbackFormat3
)

// CQIType is the layout of a channel quality report.
type CQIType int

const (
	CQIWideband CQIType = iota
	CQISubband
	CQISubbandHL
	CQISubbandUE
)

// DCIConfig carries the DCI fields that depend on the terminal setup.
type DCIConfig struct {
	MultipleCSIRequest bool
	CIFEnabled         bool
	SRSRequest         bool
}

// CQIConfig describes periodic and aperiodic channel quality reporting.
type CQIConfig struct {
	PeriodicConfigured bool
	Period             int
	Offset             int
	// RIEnabled makes every RIPeriodFactor-th periodic occasion a rank
	// report.
	RIEnabled      bool
	RIPeriodFactor int
	Type           CQIType
	// AperiodicConfigured allows reports requested through a grant.
	AperiodicConfigured bool
}

// DLConfig is the downlink part of a carrier configuration.
type DLConfig struct {
	TransmissionMode int
	PDSCHRNTI        model.RNTI
	DCI              DCIConfig
	CQI              CQIConfig
}

// PUCCHConfig is the uplink control channel configuration.
type PUCCHConfig struct {
	RNTI            model.RNTI
	N1              int
	SRConfigured    bool
	SRPeriod        int
	SROffset        int
	AckFeedbackMode AckFeedbackMode
	SimulCQIAck     bool

	ThresholdFormat1  float32
	ThresholdFormat1A float32
	ThresholdFormat2  float32
	ThresholdDMRS     float32
}

// PUSCHConfig is the uplink shared channel configuration.
type PUSCHConfig struct {
	RNTI     model.RNTI
	MeasTime bool
	MeasEPRE bool
	MeasTA   bool
	MeasEVM  bool
}

// ULConfig is the uplink part of a carrier configuration.
type ULConfig struct {
	PUCCH PUCCHConfig
	PUSCH PUSCHConfig
}

// Config is the physical layer configuration of one terminal carrier.
type Config struct {
	DL DLConfig
	UL ULConfig
}

// DefaultConfig returns the configuration used before any dedicated setup
// and for identities that are not terminals.
func DefaultConfig() Config {
	return Config{
		DL: DLConfig{
			TransmissionMode: 1,
			CQI:              CQIConfig{RIPeriodFactor: 1},
		},
		UL: ULConfig{
			PUCCH: PUCCHConfig{
				ThresholdFormat1:  DefaultThresholdFormat1,
				ThresholdFormat1A: DefaultThresholdFormat1A,
				ThresholdFormat2:  DefaultThresholdFormat2,
				ThresholdDMRS:     DefaultThresholdDMRS,
			},
		},
	}
}

func defaultConfigFor(rnti model.RNTI) Config {
	cfg := DefaultConfig()
	cfg.DL.PDSCHRNTI = rnti
	cfg.UL.PUCCH.RNTI = rnti
	cfg.UL.PUSCH.RNTI = rnti
	return cfg
}

// Dedicated is one entry of a reconfiguration: the carrier at the same
// position in the list is set up on eNB carrier EnbCC.
type Dedicated struct {
	Configured bool
	EnbCC      int
	Config     Config
}

// Params holds the cell-wide measurement switches stamped into every
// terminal configuration.
type Params struct {
	PUSCHMeasEPRE bool
	PUSCHMeasTA   bool
	PUSCHMeasEVM  bool
}

// Cell is an eNB carrier known to the database.
type Cell struct {
	ID     uint32
	NofPRB int
}
