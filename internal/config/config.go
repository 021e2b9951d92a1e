package config

import (
	"amr-logistics/internal/types"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	MaxWorkers int                  `mapstructure:"max_workers"` // 并发规划的 Lot 数
	HTTPAddr   string               `mapstructure:"http_addr"`   // HTTP 监听地址
	LogLevel   string               `mapstructure:"log_level"`   // debug / info / warn / error
	MQTT       MQTTConfig           `mapstructure:"mqtt"`
	Store      StoreConfig          `mapstructure:"store"`
	Retry      RetryConfig          `mapstructure:"retry"`
	Motion     MotionConfig         `mapstructure:"motion"`
	Planner    PlannerConfig        `mapstructure:"planner"`
	ACS        ACSConfig            `mapstructure:"acs"`
	Robot      RobotConfig          `mapstructure:"robot"`
	Facility   types.FacilityLayout `mapstructure:"facility"` // 启动时初始化的车间布局
}

// MQTTConfig 是下发/状态通道的配置
type MQTTConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Broker           string `mapstructure:"broker"` // 例如 tcp://localhost:1883
	ClientID         string `mapstructure:"client_id"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	ReleaseTopic     string `mapstructure:"release_topic"`
	StatusTopic      string `mapstructure:"status_topic"`
	QoS              int    `mapstructure:"qos"`
	ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms"`
}

// ConnectTimeout 返回连接超时
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// StoreConfig 是存储的配置
type StoreConfig struct {
	SQLitePath   string `mapstructure:"sqlite_path"`    // 为空时只使用内存
	RetryLogPath string `mapstructure:"retry_log_path"` // 重试日志文件
}

// RetryConfig 是规划失败重试的配置
type RetryConfig struct {
	IntervalMs  int `mapstructure:"interval_ms"`
	MaxAttempts int `mapstructure:"max_attempts"` // 0 表示不限
}

// Interval 返回重试扫描间隔
func (c RetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// MotionConfig 是到位确认的配置
type MotionConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	TimeoutMs      int `mapstructure:"timeout_ms"`
}

// PollInterval 返回位置轮询间隔
func (c MotionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout 返回到位确认超时
func (c MotionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PlannerConfig 是规划引擎的配置
type PlannerConfig struct {
	AreaRule         string `mapstructure:"area_rule"`          // 可选的缓存区准入表达式
	SimulateMotion   bool   `mapstructure:"simulate_motion"`    // 规划后驱动模拟路线
	DispatchOnAssign bool   `mapstructure:"dispatch_on_assign"` // 规划后向 ACS 下发 ExecutionPlan
}

// ACSConfig 是 ACS 会话端点的配置
type ACSConfig struct {
	Path string `mapstructure:"path"`
}

// RobotConfig 是运动调度的配置
type RobotConfig struct {
	Mode      string  `mapstructure:"mode"`     // sim 或 remote
	Endpoint  string  `mapstructure:"endpoint"` // remote 模式下的服务地址
	Speed     float64 `mapstructure:"speed"`    // sim 模式下每个 tick 的移动距离
	TickMs    int     `mapstructure:"tick_ms"`
	TimeoutMs int     `mapstructure:"timeout_ms"` // remote 模式下的 HTTP 超时
}

// Tick 返回模拟车队的 tick 间隔
func (c RobotConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// Timeout 返回远程调用超时
func (c RobotConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// 运动调度模式
const (
	RobotModeSim    = "sim"
	RobotModeRemote = "remote"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_workers", 4)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "amr-planner")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.release_topic", "amr/lot/released")
	v.SetDefault("mqtt.status_topic", "amr/lot/status")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout_ms", 10000)

	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.retry_log_path", "retry.wal")

	v.SetDefault("retry.interval_ms", 30000)
	v.SetDefault("retry.max_attempts", 5)

	v.SetDefault("motion.poll_interval_ms", 200)
	v.SetDefault("motion.timeout_ms", 60000)

	v.SetDefault("planner.area_rule", "")
	v.SetDefault("planner.simulate_motion", false)
	v.SetDefault("planner.dispatch_on_assign", true)

	v.SetDefault("acs.path", "/acs")

	v.SetDefault("robot.mode", RobotModeSim)
	v.SetDefault("robot.endpoint", "http://localhost:9090")
	v.SetDefault("robot.speed", 1.0)
	v.SetDefault("robot.tick_ms", 100)
	v.SetDefault("robot.timeout_ms", 5000)
}

// DefaultFacility 是没有配置布局时使用的演示车间
func DefaultFacility() types.FacilityLayout {
	return types.FacilityLayout{
		StockerID:    "ST01",
		StockerPorts: 8,
		Cassettes:    []string{"C1", "C2", "C3", "C4"},
		Areas: []types.AreaLayout{
			{ID: "A1", Origin: types.Position{X: 10, Y: 0}, CassettePorts: 10, TraysPerPort: 2, Sets: 2, MemoryPortsPerSet: 4},
			{ID: "A2", Origin: types.Position{X: 10, Y: 10}, CassettePorts: 10, TraysPerPort: 2, Sets: 2, MemoryPortsPerSet: 4},
		},
		Robots: []types.RobotLayout{
			{ID: "AMR01", Type: types.RobotLogistics, Position: types.Position{X: 0, Y: 5}},
			{ID: "ARM01", Type: types.RobotControl, Position: types.Position{X: 15, Y: 5}},
		},
	}
}

// LoadConfig 加载配置；path 为空时在当前目录查找 config.yaml，找不到时使用默认值
// 环境变量以 AMR_ 为前缀覆盖配置，例如 AMR_HTTP_ADDR、AMR_MQTT_BROKER
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	setDefaults(v)

	v.SetEnvPrefix("AMR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if cfg.Facility.StockerPorts == 0 && len(cfg.Facility.Areas) == 0 {
		cfg.Facility = DefaultFacility()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if !strings.HasPrefix(c.ACS.Path, "/") {
		return fmt.Errorf("acs.path must start with '/', got %q", c.ACS.Path)
	}
	switch c.Robot.Mode {
	case RobotModeSim:
	case RobotModeRemote:
		if c.Robot.Endpoint == "" {
			return errors.New("robot.endpoint is required in remote mode")
		}
	default:
		return fmt.Errorf("robot.mode must be %q or %q, got %q", RobotModeSim, RobotModeRemote, c.Robot.Mode)
	}
	for _, a := range c.Facility.Areas {
		if a.ID == "" {
			return errors.New("facility area id is required")
		}
	}
	return nil
}
