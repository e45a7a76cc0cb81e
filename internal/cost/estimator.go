/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cost

import (
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// HoursPerMonth is the average number of hours in a month.
const HoursPerMonth = 730

// Config defines the pricing configuration for cost estimation
type Config struct {
	Currency          string
	CPUCostPerHour    float64
	MemoryCostPerHour float64
	SpotDiscount      float64
}

// DefaultConfig returns the default pricing configuration
func DefaultConfig() *Config {
	return &Config{
		CPUCostPerHour:    0.04,  // $0.04 per vCPU-hour
		MemoryCostPerHour: 0.005, // $0.005 per GB-hour
		SpotDiscount:      0.30,
		Currency:          "USD",
	}
}

// Estimate is the projected cost of an environment.
type Estimate struct {
	Currency    string
	Pods        int
	HourlyCost  float64
	DailyCost   float64
	MonthlyCost float64
}

// String formats the hourly cost with 4 decimal places.
func (e *Estimate) String() string {
	return fmt.Sprintf("%s/h %s", formatCost(e.HourlyCost), e.Currency)
}

// Estimator calculates environment costs
type Estimator struct {
	config *Config
	mu     sync.RWMutex
}

// NewEstimator creates a new cost estimator with the given configuration.
// If config is nil, default configuration is used.
func NewEstimator(config *Config) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{config: config}
}

// PodHourlyCost returns the hourly cost of the pod's requested resources.
// If useSpot is true, spot instance pricing is applied.
func (e *Estimator) PodHourlyCost(pod *corev1.Pod, useSpot bool) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var cores, memoryGB float64
	for _, container := range pod.Spec.Containers {
		cores += ParseResourceQuantity(container.Resources.Requests[corev1.ResourceCPU], corev1.ResourceCPU)
		memoryGB += ParseResourceQuantity(container.Resources.Requests[corev1.ResourceMemory], corev1.ResourceMemory)
	}

	cost := cores*e.config.CPUCostPerHour + memoryGB*e.config.MemoryCostPerHour
	if useSpot {
		cost *= 1 - e.config.SpotDiscount
	}
	return cost
}

// EstimateEnvironment sums the hourly cost of the pods that are scheduled
// or running. Completed and failed pods hold no capacity and are skipped.
func (e *Estimator) EstimateEnvironment(pods []corev1.Pod, useSpot bool) *Estimate {
	est := &Estimate{Currency: e.GetConfig().Currency}
	for i := range pods {
		switch pods[i].Status.Phase {
		case corev1.PodSucceeded, corev1.PodFailed:
			continue
		}
		est.Pods++
		est.HourlyCost += e.PodHourlyCost(&pods[i], useSpot)
	}
	est.DailyCost = est.HourlyCost * 24
	est.MonthlyCost = est.HourlyCost * HoursPerMonth
	return est
}

// GetConfig returns the current pricing configuration
func (e *Estimator) GetConfig() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig updates the pricing configuration
func (e *Estimator) UpdateConfig(config *Config) {
	if config != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.config = config
	}
}

// formatCost formats a cost value as a string with 4 decimal places
func formatCost(cost float64) string {
	return fmt.Sprintf("%.4f", cost)
}

// ParseResourceQuantity returns CPU quantities in cores and memory
// quantities in GB.
func ParseResourceQuantity(quantity resource.Quantity, resourceType corev1.ResourceName) float64 {
	switch resourceType {
	case corev1.ResourceCPU:
		return float64(quantity.MilliValue()) / 1000.0
	case corev1.ResourceMemory:
		return float64(quantity.Value()) / (1024 * 1024 * 1024)
	default:
		return 0
	}
}
