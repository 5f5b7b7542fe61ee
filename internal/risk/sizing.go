// Package risk holds the position-sizing and stop/target math shared by
// the live execution core and the offline backtester.
package risk

import (
	"math"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/model"
)

// Params 单笔交易的风险参数 (百分比为 0-100 刻度)
type Params struct {
	Capital       float64 // 可用资金
	RiskPct       float64 // 单笔风险占比，如 1.0 表示 1%
	StopLossPct   float64 // 止损距离，如 2.0 表示 2%
	TakeProfitPct float64
}

// Limits 仓位硬性上限
type Limits struct {
	MinStopDistancePct      float64 // 低于此止损距离直接拒绝
	MinStopLossPct          float64 // 止损距离下限 (防数量爆炸)
	MaxNotionalPctOfCapital float64 // 单仓名义价值占资金比例上限
	MaxQtyPerTrade          int     // 单笔股数上限
	MaxQtyPerOrder          int     // 单订单股数上限
	AbsoluteMaxQty          int     // 绝对硬顶
}

// LimitsFromConfig 从配置构建上限集
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MinStopDistancePct:      cfg.MinStopDistancePct,
		MinStopLossPct:          cfg.MinStopLossPct,
		MaxNotionalPctOfCapital: cfg.MaxNotionalPctOfCapital,
		MaxQtyPerTrade:          cfg.MaxQtyPerTrade,
		MaxQtyPerOrder:          cfg.MaxQtyPerOrder,
		AbsoluteMaxQty:          cfg.AbsoluteMaxQty,
	}
}

// PositionSize computes how many shares to trade so that a stop-loss hit
// loses at most RiskPct of capital, then applies the guard chain in order:
//
//  1. 止损距离低于 MinStopDistancePct → 直接返回 0 (拒绝)
//  2. 止损距离按 MinStopLossPct 取下限
//  3. 名义价值不超过资金的 MaxNotionalPctOfCapital
//  4. 单笔股数上限 MaxQtyPerTrade
//  5. 单订单上限 MaxQtyPerOrder
//  6. 绝对硬顶 AbsoluteMaxQty
//  7. qty*price 不得超过可用资金
//
// 公式: qty = floor(capital * riskPct / (price * stopLossPct))
func PositionSize(price float64, p Params, lim Limits) int {
	if price <= 0 {
		return 0
	}

	// Guard 1: 止损距离太近，拒绝而不是夹紧
	if p.StopLossPct < lim.MinStopDistancePct {
		return 0
	}

	// Guard 2: 距离下限，防止除近零导致数量爆炸
	effectiveSL := math.Max(p.StopLossPct, lim.MinStopLossPct)

	riskAmount := p.Capital * (p.RiskPct / 100)
	riskPerShare := price * (effectiveSL / 100)
	if riskPerShare <= 0 {
		return 0
	}
	qty := int(riskAmount / riskPerShare)

	// Guard 3: 名义价值占比上限
	maxNotional := p.Capital * (lim.MaxNotionalPctOfCapital / 100)
	qty = minInt(qty, int(maxNotional/price))

	// Guard 4-6: 股数上限链
	qty = minInt(qty, lim.MaxQtyPerTrade)
	qty = minInt(qty, lim.MaxQtyPerOrder)
	qty = minInt(qty, lim.AbsoluteMaxQty)

	// Guard 7: 资金充足性
	if p.Capital > 0 {
		qty = minInt(qty, int(p.Capital/price))
	} else {
		qty = 0
	}

	if qty < 0 {
		qty = 0
	}
	return qty
}

// StopLossPrice 计算止损价。BUY 在入场价下方，SELL (做空) 在上方。
func StopLossPrice(entry float64, side model.OrderSide, pct, minPct float64) float64 {
	if entry <= 0 {
		return 0
	}
	pct = math.Max(pct, minPct)
	offset := entry * (pct / 100)
	if side == model.SideBuy {
		return round2(entry - offset)
	}
	return round2(entry + offset)
}

// TakeProfitPrice 计算止盈价 (与止损方向镜像)
func TakeProfitPrice(entry float64, side model.OrderSide, pct float64) float64 {
	if entry <= 0 {
		return 0
	}
	offset := entry * (pct / 100)
	if side == model.SideBuy {
		return round2(entry + offset)
	}
	return round2(entry - offset)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
