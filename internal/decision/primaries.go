package decision

import (
	"fmt"

	"flowtrader/pkg/types"
)

const (
	// primaryFlowRatio is the minimum dominant-to-dominated volume ratio.
	primaryFlowRatio = 2.5

	// primaryWickRatio is the minimum rejection wick relative to the body.
	primaryWickRatio = 2.0
)

// primaryGate runs the stage-one checks in order and stops at the first
// failure; filters are never evaluated for a gated snapshot. The returned
// results record every check that ran, passed or not.
func primaryGate(snap *types.AnalyticsSnapshot) (types.SignalSide, []types.PrimaryResult, bool) {
	results := make([]types.PrimaryResult, 0, 3)

	flowSide, res := flowPrimary(snap.OrderFlow)
	results = append(results, res)
	if !res.Passed {
		return "", results, false
	}

	rejSide, res := rejectionPrimary(snap.Rejection)
	results = append(results, res)
	if !res.Passed {
		return "", results, false
	}

	res = agreementPrimary(flowSide, rejSide)
	results = append(results, res)
	if !res.Passed {
		return "", results, false
	}

	return flowSide, results, true
}

// flowPrimary requires a defined imbalance of at least primaryFlowRatio in
// either direction. A window with zero volume on one side is unmeasurable
// and fails outright.
func flowPrimary(m types.OrderFlowMetric) (types.SignalSide, types.PrimaryResult) {
	res := types.PrimaryResult{Name: "order_flow"}

	dom, ok := m.DominantSide()
	if !ok {
		res.Reason = "imbalance undefined or balanced"
		return "", res
	}

	imb := m.Ratio
	if imb < 1 {
		imb = 1 / imb
	}
	side := types.LONG
	if dom == types.SELL {
		side = types.SHORT
	}
	res.Direction = side
	res.Value = imb

	if imb < primaryFlowRatio {
		res.Reason = fmt.Sprintf("imbalance %.2f below %.1f", imb, primaryFlowRatio)
		return "", res
	}
	res.Passed = true
	res.Reason = fmt.Sprintf("%.2fx %s-dominant", imb, dom)
	return side, res
}

// rejectionPrimary requires a wick rejection with wick/body of at least
// primaryWickRatio and the close pinned to the favorable 20% of the range.
func rejectionPrimary(r types.Rejection) (types.SignalSide, types.PrimaryResult) {
	res := types.PrimaryResult{Name: "rejection", Value: r.WickBodyRatio}

	switch {
	case r.Bullish:
		res.Passed = true
		res.Direction = types.LONG
		res.Reason = fmt.Sprintf("bullish rejection, wick/body %.2f", r.WickBodyRatio)
		return types.LONG, res
	case r.Bearish:
		res.Passed = true
		res.Direction = types.SHORT
		res.Reason = fmt.Sprintf("bearish rejection, wick/body %.2f", r.WickBodyRatio)
		return types.SHORT, res
	case r.WickBodyRatio < primaryWickRatio:
		res.Reason = fmt.Sprintf("wick/body %.2f below %.1f", r.WickBodyRatio, primaryWickRatio)
	default:
		res.Reason = fmt.Sprintf("close at %.0f%% of range, not at an extreme", r.ClosePos*100)
	}
	return "", res
}

// agreementPrimary requires both primaries to point the same way.
func agreementPrimary(flow, rejection types.SignalSide) types.PrimaryResult {
	res := types.PrimaryResult{Name: "direction_agreement", Direction: flow}
	if flow == rejection {
		res.Passed = true
		res.Reason = string(flow)
		return res
	}
	res.Reason = fmt.Sprintf("flow says %s, wick says %s", flow, rejection)
	return res
}
