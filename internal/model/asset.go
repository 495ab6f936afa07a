package model

// Asset is a SafetyAmp asset record. Vehicles are tracked as assets
// correlated to the telematics fleet by Serial.
type Asset struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Code          string `json:"code"`
	Serial        string `json:"serial,omitempty"`
	VIN           string `json:"vin,omitempty"`
	Description   string `json:"description,omitempty"`
	SiteID        int    `json:"site_id,omitempty"`
	AssetTypeID   int    `json:"asset_type_id,omitempty"`
	CurrentUserID *int   `json:"current_user_id,omitempty"`
}

// AssetType is a SafetyAmp asset type reference.
type AssetType struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// AssetPayload is the write envelope for creating or updating an asset.
// CurrentUserID stays nil on create; the API rejects assigning a user
// to an asset that does not exist yet.
type AssetPayload struct {
	Name          string `json:"name,omitempty"`
	Code          string `json:"code,omitempty"`
	Serial        string `json:"serial,omitempty"`
	VIN           string `json:"vin,omitempty"`
	Description   string `json:"description,omitempty"`
	SiteID        int    `json:"site_id,omitempty"`
	AssetTypeID   int    `json:"asset_type_id,omitempty"`
	CurrentUserID *int   `json:"current_user_id,omitempty"`
}

// Title is a SafetyAmp user title reference.
type Title struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}
