package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/transport"
	"CryptoPull/pkg/util"
)

const (
	cryptoNewsPath     = "/api/v1"
	cryptoNewsPageSize = 50
	cryptoNewsMaxPages = 5
)

// upstream labels carry no magnitude
var cryptoNewsLabelScore = map[string]float64{"positive": 0.6, "neutral": 0, "negative": -0.6}

// CryptoNews serves articles that already carry an upstream sentiment label.
type CryptoNews struct {
	base
}

var _ service.SentimentProvider = (*CryptoNews)(nil)

func NewCryptoNews(cfg Config, client *transport.Client, c Cache) *CryptoNews {
	if cfg.Name == "" {
		cfg.Name = "cryptonews"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cryptonews-api.com"
	}
	return &CryptoNews{base: newBase(cfg, client, c, service.CapSentiment)}
}

type cnItem struct {
	NewsURL    string   `json:"news_url"`
	Title      string   `json:"title"`
	Text       string   `json:"text"`
	SourceName string   `json:"source_name"`
	Date       string   `json:"date"`
	Sentiment  string   `json:"sentiment"`
	Tickers    []string `json:"tickers"`
}

type cnResponse struct {
	Data       []cnItem `json:"data"`
	TotalPages int      `json:"total_pages"`
	Error      string   `json:"error"`
}

func (p *CryptoNews) FetchArticles(ctx context.Context, symbol string, from, to time.Time) ([]models.Article, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	var out []models.Article
	for page := 1; page <= cryptoNewsMaxPages; page++ {
		q := url.Values{}
		q.Set("tickers", symbol)
		q.Set("items", strconv.Itoa(cryptoNewsPageSize))
		q.Set("page", strconv.Itoa(page))
		q.Set("date", from.Format("01022006")+"-"+to.Format("01022006"))

		body, err := p.get(ctx, cryptoNewsPath, q, cache.Window(from, to), cache.TypeNews, p.sign)
		if err != nil {
			return nil, err
		}
		var resp cnResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("cryptonews decode: %v", err)}
		}
		if resp.Error != "" {
			return nil, &errs.ValidationRejected{Field: "response", Reason: resp.Error}
		}
		for _, it := range resp.Data {
			a, ok := p.article(symbol, it)
			if !ok || a.PublishedAt.Before(from) || !a.PublishedAt.Before(to.Add(util.Day)) {
				continue
			}
			out = append(out, a)
		}
		if len(resp.Data) < cryptoNewsPageSize || (resp.TotalPages > 0 && page >= resp.TotalPages) {
			break
		}
	}
	return out, nil
}

func (p *CryptoNews) article(symbol string, it cnItem) (models.Article, bool) {
	if it.NewsURL == "" {
		return models.Article{}, false
	}
	published, err := time.Parse(time.RFC1123Z, it.Date)
	if err != nil {
		t, ok := util.ParseTime(it.Date)
		if !ok {
			return models.Article{}, false
		}
		published = t
	}
	label := strings.ToLower(strings.TrimSpace(it.Sentiment))
	score, known := cryptoNewsLabelScore[label]
	if !known {
		score = LexiconScore(it.Title + " " + it.Text)
		label = models.LabelFor(score)
	}
	symbols := util.UniqueSorted(append(it.Tickers, symbol))
	return models.Article{
		SourceID:       p.cfg.Name,
		URL:            it.NewsURL,
		Title:          it.Title,
		Description:    it.Text,
		PublishedAt:    published.UTC(),
		SentimentScore: score,
		SentimentLabel: label,
		Symbols:        symbols,
	}, true
}

func (p *CryptoNews) sign(q url.Values, _ map[string]string) {
	if p.cfg.APIKey != "" {
		q.Set("token", p.cfg.APIKey)
	}
}
