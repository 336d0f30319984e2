package decoder

// Heroku platform log shapes.
const (
	herokuApp      = "heroku"
	herokuRouter   = "router"
	herokuPostgres = "heroku-postgres"
	herokuRedis    = "heroku-redis"
)

// Defaults returns the built-in decoder table for Heroku runtime metrics,
// router logs, and Postgres and Redis add-on metrics, in match order.
func Defaults() []Decoder {
	return []Decoder{
		{
			Name: "heroku_dyno_load",
			Match: Predicate{
				Equals(AttrAppName, herokuApp),
				Contains(AttrMessage, "sample#load_avg_1m"),
			},
			Tags: []string{"source"},
			Fields: []string{
				"sample#load_avg_1m",
				"sample#load_avg_5m",
				"sample#load_avg_15m",
			},
		},
		{
			Name: "heroku_dyno_memory",
			Match: Predicate{
				Equals(AttrAppName, herokuApp),
				Contains(AttrMessage, "sample#memory_total"),
			},
			Tags: []string{"source"},
			Fields: []string{
				"sample#memory_total",
				"sample#memory_rss",
				"sample#memory_cache",
				"sample#memory_swap",
				"sample#memory_pgpgin",
				"sample#memory_pgpgout",
				"sample#memory_quota",
			},
		},
		{
			Name:  "heroku_postgres",
			Match: Predicate{Equals(AttrProcID, herokuPostgres)},
			Tags:  []string{"addon", "source"},
			Fields: []string{
				"sample#db_size",
				"sample#tables",
				"sample#active-connections",
				"sample#waiting-connections",
				"sample#index-cache-hit-rate",
				"sample#table-cache-hit-rate",
				"sample#load-avg-1m",
				"sample#load-avg-5m",
				"sample#load-avg-15m",
				"sample#read-iops",
				"sample#write-iops",
				"sample#memory-total",
				"sample#memory-free",
				"sample#memory-cached",
				"sample#memory-postgres",
			},
		},
		{
			Name:  "heroku_redis",
			Match: Predicate{Equals(AttrProcID, herokuRedis)},
			Tags:  []string{"addon"},
			Fields: []string{
				"sample#active-connections",
				"sample#load-avg-1m",
				"sample#load-avg-5m",
				"sample#load-avg-15m",
				"sample#read-iops",
				"sample#write-iops",
				"sample#memory-total",
				"sample#memory-free",
				"sample#memory-cached",
				"sample#memory-redis",
				"sample#hit-rate",
				"sample#evicted-keys",
			},
		},
		{
			Name: "heroku_router",
			Match: Predicate{
				Equals(AttrAppName, herokuApp),
				Equals(AttrProcID, herokuRouter),
			},
			Tags:   []string{"method", "host", "dyno", "status", "protocol"},
			Fields: []string{"connect", "service", "bytes"},
		},
	}
}
