package store

import (
	"amr-logistics/internal/types"
	"context"
	"fmt"
)

// 端口之间的坐标间距
const portSpacing = 1.0

// SeedFacility 按布局创建立体库、缓存区、端口和机器人
// 可以重复调用，已存在的位置保持不变
func SeedFacility(ctx context.Context, m *Memory, layout types.FacilityLayout) error {
	stockerID := layout.StockerID
	if stockerID == "" {
		stockerID = "ST01"
	}
	for i := 1; i <= layout.StockerPorts; i++ {
		loc := types.Location{
			ID:       types.CassettePortID(stockerID, i),
			Kind:     types.KindCassette,
			Position: types.Position{X: layout.StockerAt.X + float64(i-1)*portSpacing, Y: layout.StockerAt.Y},
			ParentID: stockerID,
		}
		if _, _, err := m.EnsureLocation(ctx, loc); err != nil {
			return fmt.Errorf("seed stocker port: %w", err)
		}
	}
	for i, cassetteID := range layout.Cassettes {
		if i >= layout.StockerPorts {
			return fmt.Errorf("seed cassette %s: stocker has only %d ports", cassetteID, layout.StockerPorts)
		}
		if err := m.PlaceItem(ctx, types.CassettePortID(stockerID, i+1), cassetteID); err != nil {
			return fmt.Errorf("seed cassette %s: %w", cassetteID, err)
		}
	}

	for _, al := range layout.Areas {
		area, err := seedArea(ctx, m, al)
		if err != nil {
			return err
		}
		if err := m.SaveArea(ctx, area); err != nil {
			return fmt.Errorf("seed area %s: %w", al.ID, err)
		}
	}

	for _, rl := range layout.Robots {
		robot := types.Robot{ID: rl.ID, Type: rl.Type, Position: rl.Position}
		if rl.Type == types.RobotLogistics {
			robot.LocationIDs = []string{types.MarkerID(rl.ID)}
		}
		if err := m.SaveRobot(ctx, robot); err != nil {
			return fmt.Errorf("seed robot %s: %w", rl.ID, err)
		}
	}
	return nil
}

func seedArea(ctx context.Context, m *Memory, al types.AreaLayout) (types.Area, error) {
	status := al.Status
	if status == "" {
		status = types.AreaIdle
	}
	area := types.Area{ID: al.ID, Name: al.ID, Status: status}
	ensure := func(loc types.Location) error {
		if _, _, err := m.EnsureLocation(ctx, loc); err != nil {
			return fmt.Errorf("seed area %s: %w", al.ID, err)
		}
		return nil
	}

	for p := 1; p <= al.CassettePorts; p++ {
		portID := types.CassettePortID(al.ID, p)
		portPos := types.Position{X: al.Origin.X + float64(p-1)*portSpacing, Y: al.Origin.Y}
		if err := ensure(types.Location{ID: portID, Kind: types.KindCassette, Position: portPos, ParentID: al.ID}); err != nil {
			return area, err
		}
		area.CassettePorts = append(area.CassettePorts, portID)
		for t := 1; t <= al.TraysPerPort; t++ {
			trayID := fmt.Sprintf("%s.TP%02d", portID, t)
			if err := ensure(types.Location{ID: trayID, Kind: types.KindTray, Position: portPos, ParentID: portID}); err != nil {
				return area, err
			}
			area.TrayPorts = append(area.TrayPorts, trayID)
		}
	}

	for s := 1; s <= al.Sets; s++ {
		set := types.Set{ID: fmt.Sprintf("%s.SET%02d", al.ID, s)}
		setPos := types.Position{X: al.Origin.X + float64(s-1)*portSpacing, Y: al.Origin.Y + portSpacing}
		for mp := 1; mp <= al.MemoryPortsPerSet; mp++ {
			memID := fmt.Sprintf("%s.MP%02d", set.ID, mp)
			if err := ensure(types.Location{ID: memID, Kind: types.KindMemory, Position: setPos, ParentID: set.ID}); err != nil {
				return area, err
			}
			set.MemoryPorts = append(set.MemoryPorts, memID)
		}
		area.Sets = append(area.Sets, set)
	}
	return area, nil
}
