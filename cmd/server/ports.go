package main

import "github.com/veriscope/veriscope/internal/storage"

// defaultPorts is the geofence catalogue seeded at startup. SeedPorts is
// idempotent on UN/LOCODE, so operators can extend the table without this
// list clobbering their edits. Radii approximate the anchorage plus terminal
// footprint of each port.
var defaultPorts = []storage.Port{
	{UNLOCODE: "SGSIN", Name: "Singapore", Country: "SG", Lat: 1.2644, Lon: 103.8400, GeofenceRadiusKM: 8},
	{UNLOCODE: "CNSHA", Name: "Shanghai", Country: "CN", Lat: 31.3370, Lon: 121.6550, GeofenceRadiusKM: 10},
	{UNLOCODE: "NLRTM", Name: "Rotterdam", Country: "NL", Lat: 51.9475, Lon: 4.1420, GeofenceRadiusKM: 8},
	{UNLOCODE: "KRPUS", Name: "Busan", Country: "KR", Lat: 35.0800, Lon: 129.0600, GeofenceRadiusKM: 7},
	{UNLOCODE: "AEJEA", Name: "Jebel Ali", Country: "AE", Lat: 24.9850, Lon: 55.0600, GeofenceRadiusKM: 6},
	{UNLOCODE: "USLAX", Name: "Los Angeles", Country: "US", Lat: 33.7290, Lon: -118.2620, GeofenceRadiusKM: 6},
	{UNLOCODE: "USLGB", Name: "Long Beach", Country: "US", Lat: 33.7540, Lon: -118.2160, GeofenceRadiusKM: 5},
	{UNLOCODE: "DEHAM", Name: "Hamburg", Country: "DE", Lat: 53.5250, Lon: 9.9320, GeofenceRadiusKM: 6},
	{UNLOCODE: "BEANR", Name: "Antwerp", Country: "BE", Lat: 51.3000, Lon: 4.3000, GeofenceRadiusKM: 8},
	{UNLOCODE: "MYPKG", Name: "Port Klang", Country: "MY", Lat: 2.9990, Lon: 101.3920, GeofenceRadiusKM: 6},
	{UNLOCODE: "EGPSD", Name: "Port Said", Country: "EG", Lat: 31.2500, Lon: 32.3100, GeofenceRadiusKM: 6},
	{UNLOCODE: "GRPIR", Name: "Piraeus", Country: "GR", Lat: 37.9400, Lon: 23.6300, GeofenceRadiusKM: 5},
}
