package types

// FacilityLayout 描述车间布局，用于启动时初始化存储
type FacilityLayout struct {
	StockerID    string        `mapstructure:"stocker_id"`    // 立体库 ID，例如 ST01
	StockerPorts int           `mapstructure:"stocker_ports"` // 立体库端口数量
	StockerAt    Position      `mapstructure:"stocker_at"`    // 立体库坐标原点
	Cassettes    []string      `mapstructure:"cassettes"`     // 初始放在立体库中的 Cassette，按端口顺序
	Areas        []AreaLayout  `mapstructure:"areas"`
	Robots       []RobotLayout `mapstructure:"robots"`
}

// AreaLayout 描述一个缓存区的端口结构
type AreaLayout struct {
	ID                string     `mapstructure:"id"`
	Status            AreaStatus `mapstructure:"status"`
	Origin            Position   `mapstructure:"origin"`
	CassettePorts     int        `mapstructure:"cassette_ports"`
	TraysPerPort      int        `mapstructure:"trays_per_port"`
	Sets              int        `mapstructure:"sets"`
	MemoryPortsPerSet int        `mapstructure:"memory_ports_per_set"`
}

// RobotLayout 描述一台机器人的初始状态
type RobotLayout struct {
	ID       string    `mapstructure:"id"`
	Type     RobotType `mapstructure:"type"`
	Position Position  `mapstructure:"position"`
}
