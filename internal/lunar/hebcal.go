package lunar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

const DefaultBaseURL = "https://www.hebcal.com"

// HebcalClient converts dates with the hebcal.com converter API.
type HebcalClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	redis    *redis.Client
	cacheTTL time.Duration
}

// converterResponse is the JSON shape of /converter for both directions.
type converterResponse struct {
	GY    int    `json:"gy"`
	GM    int    `json:"gm"`
	GD    int    `json:"gd"`
	HY    int    `json:"hy"`
	HM    string `json:"hm"`
	HD    int    `json:"hd"`
	Error string `json:"error"`
}

var errDayOutOfRange = errors.New("day does not exist in target month")

func NewHebcalClient(baseURL string, timeout time.Duration, requestsPerSecond float64) *HebcalClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &HebcalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// UseRedisCache caches conversions. Conversions never change, so the TTL only
// bounds memory.
func (c *HebcalClient) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// FromGregorian converts a civil date; afterSunset shifts to the next
// hebrew day.
func (c *HebcalClient) FromGregorian(ctx context.Context, date time.Time, afterSunset bool) (domain.LunarDate, error) {
	q := url.Values{}
	q.Set("cfg", "json")
	q.Set("g2h", "1")
	q.Set("gy", strconv.Itoa(date.Year()))
	q.Set("gm", strconv.Itoa(int(date.Month())))
	q.Set("gd", strconv.Itoa(date.Day()))
	if afterSunset {
		q.Set("gs", "on")
	}

	cacheKey := fmt.Sprintf("lunar:g2h:%s:%t", date.Format(models.DateLayout), afterSunset)
	resp, err := c.convert(ctx, cacheKey, q)
	if err != nil {
		return domain.LunarDate{}, err
	}
	return domain.LunarDate{Year: models.LunarYear(resp.HY), Month: CanonicalMonth(resp.HM), Day: resp.HD}, nil
}

// ToGregorian returns the civil date of the anniversary of date in year.
// Adar birthdays move to Adar II in leap years. A 30th that does not exist in
// the target year falls back to the 29th.
func (c *HebcalClient) ToGregorian(ctx context.Context, date domain.LunarDate, year models.LunarYear) (time.Time, error) {
	month := MonthForYear(date.Month, year)
	day := date.Day

	t, err := c.toGregorian(ctx, month, day, year)
	if errors.Is(err, errDayOutOfRange) && day == 30 {
		t, err = c.toGregorian(ctx, month, 29, year)
	}
	return t, err
}

func (c *HebcalClient) toGregorian(ctx context.Context, month string, day int, year models.LunarYear) (time.Time, error) {
	q := url.Values{}
	q.Set("cfg", "json")
	q.Set("h2g", "1")
	q.Set("hy", strconv.Itoa(int(year)))
	q.Set("hm", month)
	q.Set("hd", strconv.Itoa(day))

	cacheKey := fmt.Sprintf("lunar:h2g:%d:%s:%d", year, month, day)
	resp, err := c.convert(ctx, cacheKey, q)
	if err != nil {
		return time.Time{}, err
	}
	// The converter silently rolls an invalid 30th into the next month.
	if resp.HD != 0 && resp.HD != day {
		return time.Time{}, errDayOutOfRange
	}
	return time.Date(resp.GY, time.Month(resp.GM), resp.GD, 0, 0, 0, 0, time.UTC), nil
}

// CurrentYear returns the hebrew year containing now.
func (c *HebcalClient) CurrentYear(ctx context.Context, now time.Time) (models.LunarYear, error) {
	d, err := c.FromGregorian(ctx, now, false)
	if err != nil {
		return 0, err
	}
	return d.Year, nil
}

func (c *HebcalClient) convert(ctx context.Context, cacheKey string, q url.Values) (*converterResponse, error) {
	var resp converterResponse
	if c.readCache(ctx, cacheKey, &resp) {
		return &resp, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/converter?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hebcal converter: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("hebcal converter: http %d", httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode hebcal response: %w", err)
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "day") {
			return nil, errDayOutOfRange
		}
		return nil, fmt.Errorf("hebcal converter: %s", resp.Error)
	}

	c.writeCache(ctx, cacheKey, resp)
	return &resp, nil
}

func (c *HebcalClient) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return false
	}
	return true
}

func (c *HebcalClient) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}
