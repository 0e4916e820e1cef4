package phy

import "github.com/signalsfoundry/scope-scheduler/model"

// DCIFormat is the downlink control information format of a grant.
type DCIFormat int

const (
	DCIFormat0 DCIFormat = iota
	DCIFormat1
	DCIFormat1A
	DCIFormat1C
	DCIFormat2
	DCIFormat2A
)

// MaxTB is the number of transport blocks the format can carry.
func (f DCIFormat) MaxTB() int {
	switch f {
	case DCIFormat2, DCIFormat2A:
		return 2
	case DCIFormat0:
		return 0
	default:
		return 1
	}
}

// DLGrant is the part of a downlink assignment the acknowledgement tracker
// needs.
type DLGrant struct {
	RNTI     model.RNTI
	Format   DCIFormat
	NCCE     int
	TPCPUCCH uint8
	// TBEnabled flags the transport blocks carried by the grant.
	TBEnabled [MaxCodewords]bool
}

// AckCarrier is the acknowledgement expected on one terminal carrier.
type AckCarrier struct {
	Present    bool
	GrantCC    int
	NCCE       int
	TPCPUCCH   uint8
	TBExpected [MaxCodewords]bool
	K          int
}

// PendingAck collects the acknowledgements due in one TTI slot.
type PendingAck struct {
	TransmissionMode int
	NofCC            int
	FeedbackMode     AckFeedbackMode
	SimulCQIAck      bool
	PUSCHAvailable   bool
	CC               [MaxCarriers]AckCarrier
}

// CQIRequest describes the channel quality report to decode.
type CQIRequest struct {
	DataEnable bool
	Type       CQIType
	PMIPresent bool
	RILen      int
	Periodic   bool
	// Carrier is the terminal carrier index the report refers to.
	Carrier int
}

// UCIConfig tells the decoder what uplink control information to expect.
type UCIConfig struct {
	SchedulingRequest bool
	CQI               CQIRequest
	// Ack is the number of acknowledgement bits per terminal carrier.
	Ack [MaxCarriers]int
}

// TotalAck returns the number of acknowledgement bits expected.
func (c UCIConfig) TotalAck() int {
	n := 0
	for _, k := range c.Ack {
		n += k
	}
	return n
}

// CQIValue is a decoded channel quality report.
type CQIValue struct {
	DataCRC  bool
	Wideband uint8
	Subband  uint8
	PMI      uint8
}

// UCIValue is the decoded uplink control information.
type UCIValue struct {
	SchedulingRequest bool
	CQI               CQIValue
	RI                uint8
	Ack               [MaxCarriers][MaxCodewords]bool
}

// ULTransportBlock is the last uplink grant issued on a HARQ process.
type ULTransportBlock struct {
	MCS int
	TBS int
	RV  int
	NDI bool
}

// Stack receives the feedback decoded from uplink control information.
type Stack interface {
	SRDetected(tti uint32, rnti model.RNTI)
	AckInfo(tti uint32, rnti model.RNTI, enbCC, tb int, ack bool)
	CQIInfo(tti uint32, rnti model.RNTI, enbCC int, cqi uint8, transmissionMode int)
	PMIInfo(tti uint32, rnti model.RNTI, enbCC int, pmi uint8)
	RIInfo(tti uint32, rnti model.RNTI, enbCC int, ri uint8)
}

// occasion reports whether tti is a reporting opportunity of a periodic
// resource, and its sequence number.
func occasion(tti uint32, period, offset int) (int, bool) {
	if period <= 0 {
		return 0, false
	}
	d := int(tti) - offset
	if d%period != 0 {
		return 0, false
	}
	k := d / period
	if k < 0 {
		k = -k
	}
	return k, true
}

func srOpportunity(cfg PUCCHConfig, tti uint32) bool {
	if !cfg.SRConfigured {
		return false
	}
	_, ok := occasion(tti, cfg.SRPeriod, cfg.SROffset)
	return ok
}

// periodicCQI fills req when tti is a periodic report occasion of the
// carrier. Every RIPeriodFactor-th occasion carries the rank instead.
func periodicCQI(cfg DLConfig, tti uint32, req *CQIRequest) bool {
	c := cfg.CQI
	if !c.PeriodicConfigured {
		return false
	}
	k, ok := occasion(tti, c.Period, c.Offset)
	if !ok {
		return false
	}
	*req = CQIRequest{Periodic: true, Type: c.Type}
	if c.RIEnabled && c.RIPeriodFactor > 0 && k%c.RIPeriodFactor == 0 {
		req.RILen = 1
		return true
	}
	req.DataEnable = true
	req.PMIPresent = cfg.TransmissionMode == 4
	return true
}

func aperiodicCQI(cfg DLConfig, req *CQIRequest) bool {
	if !cfg.CQI.AperiodicConfigured {
		return false
	}
	*req = CQIRequest{
		DataEnable: true,
		Type:       CQISubbandHL,
		PMIPresent: cfg.TransmissionMode == 4,
	}
	if cfg.TransmissionMode == 3 || cfg.TransmissionMode == 4 {
		req.RILen = 1
	}
	return true
}

// expectedAcks counts the acknowledgement bits pending in a slot.
func expectedAcks(p *PendingAck, uci *UCIConfig) {
	for i, cc := range p.CC {
		if cc.Present {
			uci.Ack[i] = cc.K
		}
	}
}

func cqiOf(t CQIType, v CQIValue) uint8 {
	if t == CQISubband {
		return v.Subband
	}
	return v.Wideband
}
