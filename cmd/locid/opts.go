package main

var opts struct {
	Node struct {
		PublicAddr string `long:"public-addr" env:"PUBLIC_ADDR" required:"true" description:"address advertised to other localities"`
		BindAddr   string `long:"bind-addr" env:"BIND_ADDR" default:":3060" description:"address to bind the parcel listener"`
		Generation int32  `long:"generation" env:"GENERATION" default:"1" description:"locality generation counter"`
	} `group:"node" namespace:"node" env-namespace:"NODE"`

	Bootstrap struct {
		Role         string `long:"role" env:"ROLE" choice:"root" choice:"joining" default:"joining" description:"bootstrap role"`
		RootAddr     string `long:"root-addr" env:"ROOT_ADDR" description:"address of the root locality (joining role)"`
		Quorum       int    `long:"quorum" env:"QUORUM" default:"0" description:"registrations required before the root opens (root role)"`
		Deadline     int    `long:"deadline" env:"DEADLINE" default:"60000" description:"bootstrap deadline (ms)"`
		SpinInterval int    `long:"spin-interval" env:"SPIN_INTERVAL" default:"1000" description:"registration retry interval (ms)"`
	} `group:"bootstrap" namespace:"bootstrap" env-namespace:"BOOTSTRAP"`

	Connections struct {
		Capacity       int `long:"capacity" env:"CAPACITY" default:"64" description:"connection cache capacity"`
		DialTimeout    int `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"6000" description:"dial timeout (ms)"`
		AcquireTimeout int `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"2000" description:"connection acquire timeout (ms)"`
	} `group:"connections" namespace:"connections" env-namespace:"CONNECTIONS"`

	Verbose bool `long:"verbose" env:"VERBOSE" description:"verbose mode"`
}
