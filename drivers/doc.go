// Package drivers maps logical routers onto edge appliances. Each router
// kind has its own placement strategy: exclusive routers own a whole
// appliance, distributed routers split into a VDR half and a PLR half
// joined by an internal wire, and shared routers co-locate on an
// appliance with other tenants. Drivers stay thin; appliance lifecycle
// goes through edge.Manager and every per-appliance mutation runs under
// that appliance's named lock.
package drivers
