package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"CryptoPull/internal/domain/errs"
	"CryptoPull/internal/domain/models"
	"CryptoPull/internal/domain/service"
	"CryptoPull/internal/service/cache"
	"CryptoPull/internal/service/transport"
	"CryptoPull/pkg/util"
)

const (
	newsAPIPath     = "/v2/everything"
	newsAPIPageSize = 100
	newsAPIMaxPages = 3
)

// search terms for common assets; anything else is searched by ticker
var assetNames = map[string]string{
	"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana", "ADA": "cardano",
	"XRP": "ripple", "DOGE": "dogecoin", "DOT": "polkadot", "AVAX": "avalanche",
	"LINK": "chainlink", "LTC": "litecoin", "BNB": "binance coin", "MATIC": "polygon",
}

// NewsAPI serves general news articles scored with LexiconScore.
type NewsAPI struct {
	base
}

var _ service.SentimentProvider = (*NewsAPI)(nil)

func NewNewsAPI(cfg Config, client *transport.Client, c Cache) *NewsAPI {
	if cfg.Name == "" {
		cfg.Name = "newsapi"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://newsapi.org"
	}
	return &NewsAPI{base: newBase(cfg, client, c, service.CapSentiment)}
}

type naArticle struct {
	Source struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

type naResponse struct {
	Status       string      `json:"status"`
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	TotalResults int         `json:"totalResults"`
	Articles     []naArticle `json:"articles"`
}

func searchTerm(symbol string) string {
	if name, ok := assetNames[symbol]; ok {
		return fmt.Sprintf("%q OR %s", name, symbol)
	}
	return symbol
}

func (p *NewsAPI) FetchArticles(ctx context.Context, symbol string, from, to time.Time) ([]models.Article, error) {
	symbol = util.NormalizeSymbol(symbol)
	from, to = util.DayStart(from), util.DayStart(to)
	var out []models.Article
	fetched := 0
	for page := 1; page <= newsAPIMaxPages; page++ {
		q := url.Values{}
		q.Set("q", searchTerm(symbol))
		q.Set("from", from.Format(time.DateOnly))
		q.Set("to", to.Format(time.DateOnly))
		q.Set("language", "en")
		q.Set("sortBy", "publishedAt")
		q.Set("pageSize", strconv.Itoa(newsAPIPageSize))
		q.Set("page", strconv.Itoa(page))

		body, err := p.get(ctx, newsAPIPath, q, cache.Window(from, to), cache.TypeNews, p.sign)
		if err != nil {
			return nil, err
		}
		var resp naResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &errs.ValidationRejected{Field: "payload", Reason: fmt.Sprintf("newsapi decode: %v", err)}
		}
		if resp.Status == "error" {
			return nil, &errs.ValidationRejected{Field: "response", Reason: resp.Code + ": " + resp.Message}
		}
		for _, it := range resp.Articles {
			published, err := time.Parse(time.RFC3339, it.PublishedAt)
			if err != nil || it.URL == "" {
				continue
			}
			score := LexiconScore(it.Title + " " + it.Description + " " + it.Content)
			out = append(out, models.Article{
				SourceID:       p.cfg.Name,
				URL:            it.URL,
				Title:          it.Title,
				Description:    it.Description,
				PublishedAt:    published.UTC(),
				SentimentScore: score,
				SentimentLabel: models.LabelFor(score),
				Symbols:        []string{symbol},
			})
		}
		fetched += len(resp.Articles)
		if len(resp.Articles) < newsAPIPageSize || fetched >= resp.TotalResults {
			break
		}
	}
	return out, nil
}

func (p *NewsAPI) sign(_ url.Values, headers map[string]string) {
	if p.cfg.APIKey != "" {
		headers["X-Api-Key"] = p.cfg.APIKey
	}
}
