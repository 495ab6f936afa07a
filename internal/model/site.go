package model

// Site is a SafetyAmp site (one physical job location) under a
// department cluster. ExtID carries the source job code.
type Site struct {
	ID        int    `json:"id"`
	ClusterID int    `json:"cluster_id"`
	Name      string `json:"name"`
	ExtID     string `json:"ext_id,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
}

// SitePayload is the write envelope for creating a site.
type SitePayload struct {
	Name      string `json:"name"`
	ClusterID int    `json:"cluster_id"`
	ExtID     string `json:"ext_id,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
}

// Cluster is a node in SafetyAmp's site-cluster hierarchy:
// root organization, region clusters beneath it, then department
// clusters. ExternalCode carries the source department code.
// Children is populated only by the hierarchical endpoint and is
// discarded when the tree is flattened.
type Cluster struct {
	ID              int       `json:"id"`
	Name            string    `json:"name"`
	ParentClusterID *int      `json:"parent_cluster_id,omitempty"`
	ExternalCode    string    `json:"external_code,omitempty"`
	Children        []Cluster `json:"children,omitempty"`
}

// ClusterPayload is the write envelope for creating a site cluster.
type ClusterPayload struct {
	Name            string `json:"name"`
	ParentClusterID *int   `json:"parent_cluster_id,omitempty"`
	ExternalCode    string `json:"external_code,omitempty"`
}
