package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
)

const (
	defaultCampaignTTL  = 30 * time.Second
	defaultTriggerTTL   = 30 * time.Second
	defaultCampaignSize = 1024
	defaultTriggerSize  = 4096
)

// CampaignCache stores hot-path campaign lookups for the evaluation pass:
// evaluable (active or paused) campaigns per owner and triggers per campaign.
type CampaignCache interface {
	GetEvaluableCampaigns(ownerID snowflake.ID) ([]campaigndomain.Campaign, bool)
	SetEvaluableCampaigns(ownerID snowflake.ID, campaigns []campaigndomain.Campaign)
	GetTriggers(campaignID snowflake.ID) ([]campaigndomain.Trigger, bool)
	SetTriggers(campaignID snowflake.ID, triggers []campaigndomain.Trigger)
	Purge()
}

type campaignCache struct {
	campaigns *expirable.LRU[snowflake.ID, []campaigndomain.Campaign]
	triggers  *expirable.LRU[snowflake.ID, []campaigndomain.Trigger]
}

// NewCampaignCache returns an in-memory cache with short TTLs so campaign edits
// become visible within one scheduler interval.
func NewCampaignCache() CampaignCache {
	return NewCampaignCacheWithTTL(defaultCampaignTTL, defaultTriggerTTL)
}

func NewCampaignCacheWithTTL(campaignTTL, triggerTTL time.Duration) CampaignCache {
	return &campaignCache{
		campaigns: expirable.NewLRU[snowflake.ID, []campaigndomain.Campaign](defaultCampaignSize, nil, campaignTTL),
		triggers:  expirable.NewLRU[snowflake.ID, []campaigndomain.Trigger](defaultTriggerSize, nil, triggerTTL),
	}
}

func (c *campaignCache) GetEvaluableCampaigns(ownerID snowflake.ID) ([]campaigndomain.Campaign, bool) {
	return c.campaigns.Get(ownerID)
}

func (c *campaignCache) SetEvaluableCampaigns(ownerID snowflake.ID, campaigns []campaigndomain.Campaign) {
	if ownerID == 0 {
		return
	}
	c.campaigns.Add(ownerID, campaigns)
}

func (c *campaignCache) GetTriggers(campaignID snowflake.ID) ([]campaigndomain.Trigger, bool) {
	return c.triggers.Get(campaignID)
}

func (c *campaignCache) SetTriggers(campaignID snowflake.ID, triggers []campaigndomain.Trigger) {
	if campaignID == 0 {
		return
	}
	c.triggers.Add(campaignID, triggers)
}

func (c *campaignCache) Purge() {
	c.campaigns.Purge()
	c.triggers.Purge()
}
