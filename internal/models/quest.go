package models

// QuestDetails is the self-signed descriptive content of a quest.
type QuestDetails struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Reward      string `json:"reward"`
	Signature   string `json:"signature"`
}

// QuestRecord pairs quest details with their content key.
type QuestRecord struct {
	Key     string       `json:"key"`
	Details QuestDetails `json:"details"`
}
